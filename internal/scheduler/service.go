package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"catalogworker/internal/domain"
	"catalogworker/internal/eventbus"
)

type Repository interface {
	DueRecurringImports(ctx context.Context, now time.Time) ([]domain.Import, error)
	Reschedule(ctx context.Context, id string, seen, status domain.Status, next *time.Time) (bool, error)
}

// Service flips due recurring imports back to waiting and computes their
// next run. It has no loop of its own; the worker pool calls RunOnce on
// every poll.
type Service struct {
	repo Repository
	pub  eventbus.Publisher
}

func NewService(repo Repository, pub eventbus.Publisher) *Service {
	return &Service{repo: repo, pub: pub}
}

// RunOnce processes every import due at now and returns how many were
// scheduled to run.
func (s *Service) RunOnce(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.DueRecurringImports(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("due imports: %w", err)
	}
	n := 0
	for _, imp := range due {
		ok, err := s.processImport(ctx, imp, now)
		if err != nil {
			log.Error().Err(err).Str("import_id", imp.ID).Msg("failed to reschedule import")
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *Service) processImport(ctx context.Context, imp domain.Import, now time.Time) (bool, error) {
	// A running import is picked up on the first pass after it settles.
	if imp.Status == domain.StatusRunning {
		return false, nil
	}
	if len(imp.SchedulingRules) == 0 {
		_, err := s.repo.Reschedule(ctx, imp.ID, imp.Status, imp.Status, nil)
		if err == nil {
			s.notify(imp.ID, imp.Status, nil)
		}
		return false, err
	}

	next, err := NextRun(imp.SchedulingRules, now)
	if err != nil {
		log.Warn().Err(err).Str("import_id", imp.ID).Msg("invalid scheduling rule skipped")
	}
	ok, err := s.repo.Reschedule(ctx, imp.ID, imp.Status, domain.StatusWaiting, next)
	if err != nil || !ok {
		return false, err
	}
	s.notify(imp.ID, domain.StatusWaiting, next)

	ev := log.Info().Str("import_id", imp.ID)
	if next != nil {
		ev = ev.Time("next_run", *next)
	}
	ev.Msg("recurring import scheduled")
	return true, nil
}

func (s *Service) notify(id string, status domain.Status, next *time.Time) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(eventbus.Event{
		Channel: domain.Channel(domain.TaskImport, id),
		Data:    map[string]any{"status": status, "nextRunAt": next},
	})
}

// NextRun returns the earliest instant strictly after from matching any of
// rules. Invalid rules are skipped and reported in the returned error; the
// time is nil when no rule is valid.
func NextRun(rules []domain.SchedulingRule, from time.Time) (*time.Time, error) {
	var (
		best *time.Time
		errs []error
	)
	for i, rule := range rules {
		expr, err := CronExpr(rule)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		next := sched.Next(from).UTC()
		if next.IsZero() {
			continue
		}
		if best == nil || next.Before(*best) {
			best = &next
		}
	}
	return best, errors.Join(errs...)
}

// CronExpr converts a rule to a robfig cron expression carrying the rule's
// time zone, e.g. "CRON_TZ=Europe/Paris 30 9 * * 1".
func CronExpr(rule domain.SchedulingRule) (string, error) {
	if err := ValidateRule(rule); err != nil {
		return "", err
	}
	tz := rule.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	dom, dow := "*", "*"
	switch rule.Type {
	case domain.RuleWeekly:
		dow = fmt.Sprint(rule.DayOfWeek)
	case domain.RuleMonthly:
		dom = fmt.Sprint(rule.DayOfMonth)
	}
	return fmt.Sprintf("CRON_TZ=%s %d %d %s * %s", tz, rule.Minute, rule.Hour, dom, dow), nil
}

// ValidateRule checks a rule's fields and time zone.
func ValidateRule(rule domain.SchedulingRule) error {
	switch rule.Type {
	case domain.RuleDaily:
	case domain.RuleWeekly:
		if rule.DayOfWeek < 0 || rule.DayOfWeek > 6 {
			return fmt.Errorf("dayOfWeek %d out of range", rule.DayOfWeek)
		}
	case domain.RuleMonthly:
		if rule.DayOfMonth < 1 || rule.DayOfMonth > 31 {
			return fmt.Errorf("dayOfMonth %d out of range", rule.DayOfMonth)
		}
	default:
		return fmt.Errorf("unknown rule type %q", rule.Type)
	}
	if rule.Hour < 0 || rule.Hour > 23 {
		return fmt.Errorf("hour %d out of range", rule.Hour)
	}
	if rule.Minute < 0 || rule.Minute > 59 {
		return fmt.Errorf("minute %d out of range", rule.Minute)
	}
	if rule.TimeZone != "" {
		if _, err := time.LoadLocation(rule.TimeZone); err != nil {
			return fmt.Errorf("time zone %q: %w", rule.TimeZone, err)
		}
	}
	return nil
}
