package util

// Phase is one weighted step of a multi-step job.
type Phase struct {
	Name   string
	Weight int64
}

// PhaseProgress converts per-phase item counts into an overall percentage.
type PhaseProgress struct {
	phases      []Phase
	totalWeight int64
}

func NewPhaseProgress(phases ...Phase) PhaseProgress {
	var total int64
	for _, p := range phases {
		if p.Weight > 0 {
			total += p.Weight
		}
	}
	return PhaseProgress{phases: phases, totalWeight: total}
}

// Percentage returns the overall progress when phase has finished done of
// total items. The result stays below 100; completion is reported separately.
func (p PhaseProgress) Percentage(phase int, done, total int64) int {
	if p.totalWeight <= 0 || phase < 0 {
		return 0
	}
	if phase >= len(p.phases) {
		return 99
	}

	var completedWork int64
	for _, prev := range p.phases[:phase] {
		completedWork += max(prev.Weight, 0) * 100
	}
	if total > 0 {
		weight := max(p.phases[phase].Weight, 0)
		completedWork += min(max(done, 0), total) * weight * 100 / total
	}

	return int(min(completedWork/p.totalWeight, 99))
}
