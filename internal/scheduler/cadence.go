package scheduler

import (
	"time"

	"novora/api/internal/store"
)

// NextFire returns the first fire instant strictly after last, or
// plan.StartAt when the plan has never fired. Monthly and quarterly plans
// land on the start day-of-month, clamped to the month's last day.
func NextFire(plan store.Plan, last *time.Time) time.Time {
	if last == nil {
		return plan.StartAt.UTC()
	}
	return step(plan, last.UTC())
}

func step(plan store.Plan, from time.Time) time.Time {
	switch plan.Cadence {
	case store.CadenceDaily:
		return from.Add(24 * time.Hour)
	case store.CadenceWeekly:
		return from.Add(7 * 24 * time.Hour)
	case store.CadenceBiweekly:
		return from.Add(14 * 24 * time.Hour)
	case store.CadenceMonthly:
		return addMonths(from, 1, plan.StartAt.UTC())
	case store.CadenceQuarterly:
		return addMonths(from, 3, plan.StartAt.UTC())
	default:
		return from.Add(7 * 24 * time.Hour)
	}
}

func addMonths(from time.Time, months int, anchor time.Time) time.Time {
	year, month := from.Year(), from.Month()+time.Month(months)
	for month > 12 {
		month -= 12
		year++
	}
	day := anchor.Day()
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, anchor.Hour(), anchor.Minute(), 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// DueFire returns the instant a plan should fire for at now, skipping
// intervals missed entirely while the scheduler was down so that only the
// most recent one fires. ok is false when nothing is due, including any
// time at or after the plan's end.
func DueFire(plan store.Plan, now time.Time) (time.Time, bool) {
	if !plan.Active {
		return time.Time{}, false
	}
	if plan.EndAt != nil && !now.Before(*plan.EndAt) {
		return time.Time{}, false
	}
	next := NextFire(plan, plan.LastFiredAt)
	if now.Before(next) {
		return time.Time{}, false
	}
	for {
		following := step(plan, next)
		if now.Before(following) {
			break
		}
		next = following
	}
	if plan.EndAt != nil && !next.Before(*plan.EndAt) {
		return time.Time{}, false
	}
	return next.Truncate(time.Minute), true
}

// RotationWindow is K, the number of recent cycles whose question sets
// are avoided when rotating.
func RotationWindow(cadence store.Cadence) int {
	switch cadence {
	case store.CadenceDaily:
		return 7
	case store.CadenceWeekly:
		return 4
	case store.CadenceBiweekly:
		return 3
	case store.CadenceMonthly:
		return 2
	default:
		return 1
	}
}

// ChooseQuestionSet picks the plan's question set for the next cycle.
// history is the plan's previous instances, newest first. Without
// rotation the first set is always used. With rotation, sets used in the
// last K cycles are avoided and the least recently used remaining set
// wins; when every set was used recently the least recently used overall
// is chosen.
func ChooseQuestionSet(plan store.Plan, history []store.ScheduledSurvey) (store.QuestionSet, bool) {
	if len(plan.QuestionSets) == 0 {
		return store.QuestionSet{}, false
	}
	if !plan.RotateQuestions || len(plan.QuestionSets) == 1 {
		return plan.QuestionSets[0], true
	}
	lastUse := make(map[string]int)
	for i, row := range history {
		if _, seen := lastUse[row.QuestionSet.ID]; !seen {
			lastUse[row.QuestionSet.ID] = i
		}
	}
	k := RotationWindow(plan.Cadence)
	pick := func(eligible func(age int, used bool) bool) (store.QuestionSet, bool) {
		best, bestAge, found := store.QuestionSet{}, -1, false
		for _, set := range plan.QuestionSets {
			age, used := lastUse[set.ID]
			if !used {
				age = len(history) + 1
			}
			if !eligible(age, used) {
				continue
			}
			if age > bestAge {
				best, bestAge, found = set, age, true
			}
		}
		return best, found
	}
	if set, ok := pick(func(age int, used bool) bool { return !used || age >= k }); ok {
		return set, true
	}
	return pick(func(int, bool) bool { return true })
}
