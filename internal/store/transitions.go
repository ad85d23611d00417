package store

import "qms/ticket-engine/internal/models"

const (
	ActionCallNext = "call_next"
	ActionComplete = "complete"
	ActionSkip     = "skip"
)

type transition struct {
	from []models.Status
	to   models.Status
}

var transitionMap = map[string]transition{
	ActionCallNext: {from: []models.Status{models.StatusWaiting}, to: models.StatusServing},
	ActionComplete: {from: []models.Status{models.StatusServing}, to: models.StatusCompleted},
	ActionSkip:     {from: []models.Status{models.StatusServing}, to: models.StatusSkipped},
}

func ValidTransition(action string, fromStatus models.Status) bool {
	t, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range t.from {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// TargetStatus returns the status a ticket ends in after action.
func TargetStatus(action string) (models.Status, bool) {
	t, ok := transitionMap[action]
	if !ok {
		return "", false
	}
	return t.to, true
}
