package models

import "gorm.io/gorm"

type Download struct {
	gorm.Model
	InfoHash        string `gorm:"uniqueIndex"`
	Name            string
	TorrentFilename string
	Status          DownloadStatus
	DownloadDir     string
	TotalSize       int64
	DownloadedSize  int64
	SeededSubpieces uint64 // subpiece requests served this run, across all sessions
	LastError       string

	Peers    []Peer
	Pieces   []Piece
	Trackers []Tracker
}

type DownloadStatus = string

const (
	Invalid     DownloadStatus = "invalid"
	Downloading DownloadStatus = "downloading"
	Seeding     DownloadStatus = "seeding"
	Complete    DownloadStatus = "complete"
	Error       DownloadStatus = "error"
	Paused      DownloadStatus = "paused"
)

type Peer struct {
	ID           uint `gorm:"primaryKey"`
	DownloadID   uint
	TrackerID    uint `gorm:"foreignKey:Trackers"`
	IP           string
	Port         uint16
	IsSeeder     bool
	IsStopped    bool
	IsChoked     bool
	IsInterested bool
}

type Piece struct {
	ID           uint `gorm:"primaryKey"`
	DownloadID   uint
	Index        int
	Hash         string
	IsDownloaded bool
	State        PieceState
}

// PieceState mirrors torrent.PieceField's three-value lifecycle for
// persistence across restarts; torrent.ResumeScan re-derives COMPLETE
// state from disk rather than trusting this column, so a stale IN
// PROGRESS row left by an unclean shutdown is harmless.
type PieceState = string

const (
	PieceStateEmpty      PieceState = "empty"
	PieceStateInProgress PieceState = "in_progress"
	PieceStateComplete   PieceState = "complete"
)

type Tracker struct {
	ID         uint `gorm:"primaryKey"`
	DownloadID uint
	Announce   string
	Status     TrackerStatus
	LastCheck  int64
	LastError  string
	NextCheck  int64
	// for http tracker
	Interval    int
	MinInterval int
	Seeders     int
	Leechers    int

	// for udp tracker
	ConnectionID  int64
	TransactionID int
}

type TrackerStatus = string

const (
	TrackerInvalid    TrackerStatus = "invalid"
	TrackerAnnouncing TrackerStatus = "announcing"
	TrackerError      TrackerStatus = "error"
	TrackerComplete   TrackerStatus = "complete"
)
