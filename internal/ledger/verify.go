package ledger

import "fmt"

// Report summarizes a chain verification. BrokenAt is the index of the first
// entry that fails verification (-1 when OK); every entry from BrokenAt onward
// is untrusted.
type Report struct {
	OK       bool   `json:"ok"`
	Total    int    `json:"total"`
	BrokenAt int    `json:"broken_at"`
	Reason   string `json:"reason,omitempty"`
}

// Untrusted returns how many entries follow (and include) the break.
func (r Report) Untrusted() int {
	if r.OK {
		return 0
	}
	return r.Total - r.BrokenAt
}

// VerifyChain recomputes every entry hash and checks each prev link.
func VerifyChain(entries []Entry) Report {
	rep := Report{OK: true, Total: len(entries), BrokenAt: -1}
	prev := GenesisHash
	for i, e := range entries {
		switch {
		case e.Seq != uint64(i):
			return broken(rep, i, fmt.Sprintf("entry %d: seq %d out of order", i, e.Seq))
		case e.PrevHash != prev:
			return broken(rep, i, fmt.Sprintf("entry %d: prev_entry_hash does not link to entry %d", i, i-1))
		case ComputeHash(e) != e.Hash:
			return broken(rep, i, fmt.Sprintf("entry %d: stored hash does not match recomputed hash", i))
		case (e.Result == Failure) != (e.Reason != ""):
			return broken(rep, i, fmt.Sprintf("entry %d: reason must be present iff result is FAILURE", i))
		}
		prev = e.Hash
	}
	return rep
}

func broken(rep Report, at int, reason string) Report {
	rep.OK = false
	rep.BrokenAt = at
	rep.Reason = reason
	return rep
}
