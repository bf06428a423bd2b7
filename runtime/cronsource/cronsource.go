// Package cronsource wires github.com/robfig/cron/v3 schedules to the
// Runtime Facade: each registered rule enqueues a Trigger::Cron on its bound
// session when it fires, grounded on the teacher pack's cron schedule
// parsing (haasonsaas-nexus's internal/cron package), simplified to the
// single-purpose trigger-firing role this runtime needs.
package cronsource

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/google/uuid"

	"github.com/acrylicshrimp/fathom/runtime/agent/trigger"
	"github.com/acrylicshrimp/fathom/runtime/facade"
)

// Rule binds a cron schedule expression to the session it should wake.
type Rule struct {
	RuleID    string
	SessionID string
	Spec      string // standard 5-field cron expression
}

// Source runs a cron.Cron instance and enqueues a Cron trigger on the bound
// session for every rule that fires.
type Source struct {
	facade *facade.Facade

	mu     sync.Mutex
	cron   *cron.Cron
	ids    map[string]cron.EntryID
	rules  map[string]Rule
	logger func(format string, args ...any)
}

// New constructs a Source that enqueues triggers through f.
func New(f *facade.Facade) *Source {
	return &Source{
		facade: f,
		cron:   cron.New(),
		ids:    make(map[string]cron.EntryID),
		rules:  make(map[string]Rule),
	}
}

// Start begins executing scheduled rules in the background.
func (s *Source) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Source) Stop() { <-s.cron.Stop().Done() }

// AddRule registers rule with the scheduler. Replaces any existing rule with
// the same RuleID.
func (s *Source) AddRule(rule Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.ids[rule.RuleID]; ok {
		s.cron.Remove(existing)
		delete(s.ids, rule.RuleID)
	}

	id, err := s.cron.AddFunc(rule.Spec, func() { s.fire(rule) })
	if err != nil {
		return fmt.Errorf("cronsource: invalid schedule %q for rule %q: %w", rule.Spec, rule.RuleID, err)
	}
	s.ids[rule.RuleID] = id
	s.rules[rule.RuleID] = rule
	return nil
}

// RemoveRule unregisters a previously added rule.
func (s *Source) RemoveRule(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.ids[ruleID]; ok {
		s.cron.Remove(id)
		delete(s.ids, ruleID)
		delete(s.rules, ruleID)
	}
}

func (s *Source) fire(rule Rule) {
	t := trigger.NewCron(uuid.NewString(), rule.RuleID, time.Now().UTC())
	if err := s.facade.EnqueueTrigger(rule.SessionID, t); err != nil && s.logger != nil {
		s.logger("cronsource: enqueue cron trigger for rule %q failed: %v", rule.RuleID, err)
	}
}
