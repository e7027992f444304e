package db

import (
	"gtorrent/db/models"
)

// UpdateDownload updates a download record in the database
func (d *Database) UpdateDownload(download *models.Download) error {
	return d.db.Save(download).Error
}

// UpdatePiece updates a piece record in the database
func (d *Database) UpdatePiece(piece *models.Piece) error {
	return d.db.Save(piece).Error
}

// SetPieceState records a piece's state transition by (download, index)
// without requiring the caller to hold the gorm model in hand.
func (d *Database) SetPieceState(downloadID uint, index int, state models.PieceState) error {
	updates := map[string]any{"state": state}
	if state == models.PieceStateComplete {
		updates["is_downloaded"] = true
	}
	return d.db.Model(&models.Piece{}).
		Where("download_id = ? AND \"index\" = ?", downloadID, index).
		Updates(updates).Error
}

// SetSeededSubpieces persists the running count of subpiece requests
// served this run. The stored value is for display only: the
// coordinator's counter starts from zero on every run and never reads
// it back.
func (d *Database) SetSeededSubpieces(downloadID uint, count uint64) error {
	return d.db.Model(&models.Download{}).
		Where("id = ?", downloadID).
		Update("seeded_subpieces", count).Error
}
