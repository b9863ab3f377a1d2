package contentupdate

// Decision is the revert state of one entry during a content update.
//
//	Unexamined -> NoBuildOutput | NoBaseline | GroupChanged | HashChangedDynamic -> NotReverted
//	Unexamined -> BaselineMatchCandidate -> AlreadyMatching -> NoActionNeeded
//	Unexamined -> BaselineMatchCandidate -> MustRevert -> Reverted
//
// MustRevert falls back to NotReverted when the bundle is shared with
// entries that cannot revert (BundleDiverged), when a dependency will not be
// served from its shipped bundle (DependencyDiverged) or the file swap fails.
type Decision int

const (
	Unexamined Decision = iota
	NoBuildOutput
	NoBaseline
	GroupChanged
	HashChangedDynamic
	BaselineMatchCandidate
	AlreadyMatching
	MustRevert
	BundleDiverged
	DependencyDiverged
	NotReverted
	NoActionNeeded
	Reverted
)

var decisionNames = [...]string{
	Unexamined:             "unexamined",
	NoBuildOutput:          "no_build_output",
	NoBaseline:             "no_baseline",
	GroupChanged:           "group_changed",
	HashChangedDynamic:     "hash_changed_dynamic",
	BaselineMatchCandidate: "baseline_match_candidate",
	AlreadyMatching:        "already_matching",
	MustRevert:             "must_revert",
	BundleDiverged:         "bundle_diverged",
	DependencyDiverged:     "dependency_diverged",
	NotReverted:            "not_reverted",
	NoActionNeeded:         "no_action_needed",
	Reverted:               "reverted",
}

func (d Decision) String() string {
	if d < 0 || int(d) >= len(decisionNames) {
		return "unknown"
	}
	return decisionNames[d]
}

// Terminal maps an intermediate decision to the state it ends in.
// MustRevert stays pending until Apply runs.
func (d Decision) Terminal() Decision {
	switch d {
	case NoBuildOutput, NoBaseline, GroupChanged, HashChangedDynamic, BundleDiverged, DependencyDiverged:
		return NotReverted
	case AlreadyMatching:
		return NoActionNeeded
	default:
		return d
	}
}
