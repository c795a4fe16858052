package reconcile

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Trigger decides when a session calls the remote service.
type Trigger int

const (
	// TriggerImmediate calls the service on every action.
	TriggerImmediate Trigger = iota
	// TriggerDebounced calls the service once the session has been quiet for Policy.Quiet.
	TriggerDebounced
	// TriggerManual only calls the service from Session.Sync.
	TriggerManual
)

func (t Trigger) String() string {
	switch t {
	case TriggerImmediate:
		return "immediate"
	case TriggerDebounced:
		return "debounced"
	case TriggerManual:
		return "manual"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

// Merge decides how a successful response is folded into the session.
type Merge int

const (
	// MergeAdopt sets local and synced to the returned value.
	MergeAdopt Merge = iota
	// MergeRebase sets synced to the returned value and replays on top of it any
	// actions taken while the call was in flight.
	MergeRebase
)

func (m Merge) String() string {
	switch m {
	case MergeAdopt:
		return "adopt"
	case MergeRebase:
		return "rebase"
	default:
		return fmt.Sprintf("Merge(%d)", int(m))
	}
}

const DefaultQuiet = time.Second

type Policy struct {
	Name string
	// Eager applies each action to the local value before the remote call.
	Eager   bool
	Trigger Trigger
	// Quiet is the debounce period for TriggerDebounced.
	Quiet time.Duration
	Merge Merge
	// Rollback undoes the eager step when the remote call fails.
	Rollback bool
	// BlockWhilePending rejects actions with ErrBusy while a call is in flight.
	BlockWhilePending bool
}

var (
	Optimistic = Policy{
		Name:              "optimistic",
		Eager:             true,
		Trigger:           TriggerImmediate,
		Merge:             MergeAdopt,
		Rollback:          true,
		BlockWhilePending: true,
	}
	ServerConfirmed = Policy{
		Name:              "server-confirmed",
		Trigger:           TriggerImmediate,
		Merge:             MergeAdopt,
		BlockWhilePending: true,
	}
	// Manual rebases on a successful sync: increments made while the sync was in flight
	// stay in local on top of the returned value instead of being dropped.
	Manual = Policy{
		Name:    "manual",
		Eager:   true,
		Trigger: TriggerManual,
		Merge:   MergeRebase,
	}
)

// Debounced batches actions into one call after quiet has passed without another action.
// A non-positive quiet uses DefaultQuiet.
func Debounced(quiet time.Duration) Policy {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	return Policy{
		Name:    "debounced",
		Eager:   true,
		Trigger: TriggerDebounced,
		Quiet:   quiet,
		Merge:   MergeRebase,
	}
}

// Validate rejects combinations that could lose actions or run more than one call at a time.
func (p Policy) Validate() error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !slices.Contains([]Trigger{TriggerImmediate, TriggerDebounced, TriggerManual}, p.Trigger) {
		errs = append(errs, fmt.Errorf("unknown trigger %s", p.Trigger))
	}
	if !slices.Contains([]Merge{MergeAdopt, MergeRebase}, p.Merge) {
		errs = append(errs, fmt.Errorf("unknown merge %s", p.Merge))
	}
	if p.Trigger == TriggerImmediate && !p.BlockWhilePending {
		errs = append(errs, errors.New("immediate trigger requires BlockWhilePending"))
	}
	if p.Trigger == TriggerDebounced && p.Quiet <= 0 {
		errs = append(errs, errors.New("debounced trigger requires a positive quiet period"))
	}
	if !p.Eager && p.Trigger != TriggerImmediate {
		errs = append(errs, fmt.Errorf("lazy policy cannot use the %s trigger", p.Trigger))
	}
	if p.Rollback && !p.Eager {
		errs = append(errs, errors.New("rollback requires an eager policy"))
	}
	if p.Merge == MergeAdopt && p.Eager && !p.BlockWhilePending {
		errs = append(errs, errors.New("adopt merge on an eager policy requires BlockWhilePending"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid policy %q: %w", p.Name, errors.Join(errs...))
	}
	return nil
}

// PolicyNames lists the names accepted by ParsePolicy.
var PolicyNames = []string{Optimistic.Name, ServerConfirmed.Name, "debounced", Manual.Name}

// ParsePolicy maps a policy name to its predefined Policy. quiet only applies to "debounced".
func ParsePolicy(name string, quiet time.Duration) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case Optimistic.Name:
		return Optimistic, nil
	case ServerConfirmed.Name:
		return ServerConfirmed, nil
	case "debounced":
		return Debounced(quiet), nil
	case Manual.Name:
		return Manual, nil
	default:
		return Policy{}, fmt.Errorf("unknown policy %q, expected one of %s", name, strings.Join(PolicyNames, ", "))
	}
}
