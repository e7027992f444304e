package torrent

// ResumeScan reads whatever already exists on disk and pushes each
// piece with at least one non-empty subpiece to the hasher pool for
// verification, then blocks until the hasher has drained. Pieces that
// hash correctly come back COMPLETE; partial or corrupt pieces are
// left EMPTY for fetchers to claim normally. No peer connections are
// made during this scan.
func ResumeScan(tor *Torrent, files *FileMapper, hasher *HasherPool) {
	subpieceCount := tor.NumSubpiecesPerPiece()
	for i := 0; i < tor.NumPieces(); i++ {
		pieceLen := tor.PieceLen(i)
		var subpieces []Subpiece
		for j := 0; j < subpieceCount; j++ {
			begin := int64(j) * SubpieceLen
			if begin >= pieceLen {
				break
			}
			want := int64(SubpieceLen)
			if begin+want > pieceLen {
				want = pieceLen - begin
			}
			data, err := files.ReadSubpiece(i, begin, want)
			if err != nil || len(data) == 0 {
				continue
			}
			subpieces = append(subpieces, Subpiece{Index: i, Begin: begin, Data: data})
		}
		if len(subpieces) == 0 {
			continue
		}
		hasher.Push(AssembledPiece{Index: i, Subpieces: subpieces})
	}
	hasher.WaitEmpty()
}
