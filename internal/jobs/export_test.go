package jobs

// OnClaimed installs a hook that runs between the claim rename and the
// rewrite of the claimed record.
func OnClaimed(s *DirStore, f func(id string)) {
	s.claimed = f
}
