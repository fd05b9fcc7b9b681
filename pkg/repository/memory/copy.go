package memory

import (
	"time"

	"github.com/secmon-lab/pushblaster/pkg/domain/model"
)

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// copyAutomation creates a deep copy of an automation
func copyAutomation(a *model.Automation) *model.Automation {
	copied := *a

	copied.PushSequence = make([]model.PushStep, len(a.PushSequence))
	for i, step := range a.PushSequence {
		copied.PushSequence[i] = step
		copied.PushSequence[i].Timing.AbsoluteTime = copyTime(step.Timing.AbsoluteTime)
	}

	copied.AudienceCriteria.UserIDs = copyStrings(a.AudienceCriteria.UserIDs)
	copied.AudienceCriteria.Parameters = copyStringMap(a.AudienceCriteria.Parameters)

	copied.Metadata.LastExecutionAt = copyTime(a.Metadata.LastExecutionAt)
	copied.Metadata.NextRunAt = copyTime(a.Metadata.NextRunAt)
	copied.Metadata.StatusChangedAt = copyTime(a.Metadata.StatusChangedAt)

	return &copied
}

func copyExecution(e *model.Execution) *model.Execution {
	copied := *e
	copied.StoppedAt = copyTime(e.StoppedAt)
	copied.EndTime = copyTime(e.EndTime)
	copied.NextStepAt = copyTime(e.NextStepAt)
	copied.Steps = make([]model.StepResult, len(e.Steps))
	for i, s := range e.Steps {
		copied.Steps[i] = s
		copied.Steps[i].Failures = append([]model.DeliveryFailure(nil), s.Failures...)
	}
	return &copied
}

func copyManifest(m *model.AudienceManifest) *model.AudienceManifest {
	copied := *m
	copied.Members = make([]model.AudienceMember, len(m.Members))
	for i, member := range m.Members {
		copied.Members[i] = model.AudienceMember{
			UserID:     member.UserID,
			Attributes: copyStringMap(member.Attributes),
		}
	}
	return &copied
}

func copyViolation(v *model.SafeguardViolation) *model.SafeguardViolation {
	copied := *v
	copied.ResolvedAt = copyTime(v.ResolvedAt)
	return &copied
}
