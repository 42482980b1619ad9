// Package lifecycle decides whether an actor may move a report to a new status.
//
// The decision has two independent parts:
//
//  1. Authorization: is this actor allowed to touch the report at all?
//     The owner always is. Moderators are only if the machine was built
//     WithModerators.
//  2. Transition: does the table allow going from the report's current
//     status to the requested one?
//
// Authorization is checked first so a stranger learns nothing about the
// report's current status from the error they get back.
//
// Two tables ship with the package. PermissiveTable lets any status move to
// any other (including reopening a resolved report), which is what the
// service has always done. StrictTable is the conventional one-way workflow.
package lifecycle

import (
	"fmt"
	"strings"

	"github.com/sakif/civic-reports/internal/apperror"
	"github.com/sakif/civic-reports/internal/model"
)

// Actor is the identity attempting a change.
type Actor struct {
	UserID    int64
	Moderator bool
}

// Table maps a current status to the set of statuses it may move to.
type Table map[model.Status][]model.Status

// Allows reports whether the table permits from → to.
func (t Table) Allows(from, to model.Status) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PermissiveTable allows every status to move to every status.
func PermissiveTable() Table {
	all := model.Statuses()
	t := make(Table, len(all))
	for _, from := range all {
		t[from] = append([]model.Status(nil), all...)
	}
	return t
}

// StrictTable is pending → in_progress | rejected, in_progress → resolved |
// rejected, with resolved and rejected terminal.
func StrictTable() Table {
	return Table{
		model.StatusPending:    {model.StatusInProgress, model.StatusRejected},
		model.StatusInProgress: {model.StatusResolved, model.StatusRejected},
		model.StatusResolved:   nil,
		model.StatusRejected:   nil,
	}
}

// TableByName resolves a configured policy name ("permissive" or "strict").
func TableByName(name string) (Table, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "permissive":
		return PermissiveTable(), nil
	case "strict":
		return StrictTable(), nil
	}
	return nil, fmt.Errorf("lifecycle: unknown policy %q", name)
}

// Machine applies a Table plus the authorization rule.
// It holds no mutable state and is safe for concurrent use.
type Machine struct {
	table      Table
	moderators bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithModerators lets moderators change the status of reports they do not own.
func WithModerators(enabled bool) Option {
	return func(m *Machine) { m.moderators = enabled }
}

// NewMachine builds a Machine. A nil table means PermissiveTable.
func NewMachine(table Table, opts ...Option) *Machine {
	if table == nil {
		table = PermissiveTable()
	}
	m := &Machine{table: table}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check returns nil if actor may move report to status `to`.
// Errors are apperror.Forbidden or apperror.InvalidTransition.
func (m *Machine) Check(actor Actor, report *model.Report, to model.Status) error {
	if !m.mayAct(actor, report) {
		return apperror.Forbidden("only the report owner can update its status")
	}
	if !m.table.Allows(report.Status, to) {
		return apperror.InvalidTransition(string(report.Status), string(to))
	}
	return nil
}

func (m *Machine) mayAct(actor Actor, report *model.Report) bool {
	if actor.UserID != 0 && actor.UserID == report.OwnerID {
		return true
	}
	return m.moderators && actor.Moderator
}
