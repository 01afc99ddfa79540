// Package approval implements the per-phase version approval state machine.
//
// Every phase produces versioned outputs. A version moves through
//
//	draft -> pending_approval -> (approved | rejected)
//
// and becomes final once both the owner and a reviewer have approved it. Exactly
// one version per phase is final at any observable point: finalization clears the
// flag on every other version of the phase and sets it on the new one in a single
// compare-and-swap commit against the phase's version book.
package approval

import (
	"time"
)

// Status is the lifecycle status of a PhaseVersion.
type Status string

const (
	Draft           Status = "draft"
	PendingApproval Status = "pending_approval"
	Approved        Status = "approved"
	Rejected        Status = "rejected"
)

// PhaseVersion is one versioned output of a phase.
type PhaseVersion struct {
	Phase  string `json:"phase"`
	Number int    `json:"number"`
	Status Status `json:"status"`

	ApprovedByOwner    bool `json:"approved_by_owner"`
	ApprovedByReviewer bool `json:"approved_by_reviewer"`
	IsFinal            bool `json:"is_final"`

	Reviewer  string    `json:"reviewer,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// fullyApproved reports whether both approval gates are open.
func (v PhaseVersion) fullyApproved() bool {
	return v.Status == Approved && v.ApprovedByOwner && v.ApprovedByReviewer
}

// Book holds every version of one phase together with an optimistic
// concurrency token that changes on every commit.
type Book struct {
	Phase    string         `json:"phase"`
	Versions []PhaseVersion `json:"versions"`
	Token    uint64         `json:"token"`
}

// Clone returns a deep copy of the book.
func (b Book) Clone() Book {
	c := b
	c.Versions = append([]PhaseVersion(nil), b.Versions...)
	return c
}

// find returns the index of version n, or -1.
func (b *Book) find(n int) int {
	for i := range b.Versions {
		if b.Versions[i].Number == n {
			return i
		}
	}
	return -1
}

// final returns the final version, if any.
func (b *Book) final() (PhaseVersion, bool) {
	for _, v := range b.Versions {
		if v.IsFinal {
			return v, true
		}
	}
	return PhaseVersion{}, false
}

// nextNumber returns the number for a new version.
func (b *Book) nextNumber() int {
	n := 0
	for _, v := range b.Versions {
		if v.Number > n {
			n = v.Number
		}
	}
	return n + 1
}
