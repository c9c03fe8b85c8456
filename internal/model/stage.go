package model

import (
	"encoding/json"
	"fmt"
)

// Stage names one seat of the court.
type Stage string

const (
	StageProsecutor Stage = "prosecutor"
	StageDefense    Stage = "defense"
	StageJury       Stage = "jury"
	StageJudge      Stage = "judge"
)

// FanoutStages are the three stages that run concurrently before the judge.
var FanoutStages = []Stage{StageProsecutor, StageDefense, StageJury}

// CandidateLesson is the wire shape of a lesson proposed by a stage,
// before embedding and persistence.
type CandidateLesson struct {
	Role             string   `json:"role"`
	Polarity         Polarity `json:"polarity"`
	Title            string   `json:"title"`
	Content          string   `json:"content"`
	Rationale        string   `json:"rationale,omitempty"`
	Confidence       float64  `json:"confidence,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	EvidenceEventIDs []string `json:"evidence_event_ids,omitempty"`
}

// Validate checks the required candidate lesson fields.
func (l CandidateLesson) Validate(where string) error {
	if l.Role == "" {
		return fmt.Errorf("%s.role is required", where)
	}
	if l.Polarity != PolarityDo && l.Polarity != PolarityDont {
		return fmt.Errorf("%s.polarity must be %q or %q", where, PolarityDo, PolarityDont)
	}
	if l.Title == "" {
		return fmt.Errorf("%s.title is required", where)
	}
	if l.Content == "" {
		return fmt.Errorf("%s.content is required", where)
	}
	if l.Confidence < 0 || l.Confidence > 1 {
		return fmt.Errorf("%s.confidence must be within [0,1]", where)
	}
	return nil
}

// DeferredLesson is a candidate the judge set aside with a reason.
type DeferredLesson struct {
	Lesson CandidateLesson `json:"lesson"`
	Reason string          `json:"reason"`
}

// PromptUpdateProposal is the judge's wire shape for a prompt change.
type PromptUpdateProposal struct {
	Role             string   `json:"role"`
	AgentID          string   `json:"agent_id,omitempty"`
	FromVersion      *int     `json:"from_version,omitempty"`
	Proposal         string   `json:"proposal"`
	Reason           string   `json:"reason"`
	EvidenceEventIDs []string `json:"evidence_event_ids,omitempty"`
}

// Validate checks the required proposal fields.
func (p PromptUpdateProposal) Validate(where string) error {
	if p.Role == "" {
		return fmt.Errorf("%s.role is required", where)
	}
	if p.Proposal == "" {
		return fmt.Errorf("%s.proposal is required", where)
	}
	if p.Reason == "" {
		return fmt.Errorf("%s.reason is required", where)
	}
	return nil
}

// ImprovementSuggestion is a judge suggestion aimed at the user or the system.
type ImprovementSuggestion struct {
	Title            string   `json:"title"`
	Content          string   `json:"content"`
	Rationale        string   `json:"rationale,omitempty"`
	EvidenceEventIDs []string `json:"evidence_event_ids,omitempty"`
}

// ProsecutorOutput is the validated output of the prosecutor stage.
type ProsecutorOutput struct {
	Criticisms       []string          `json:"criticisms"`
	CandidateLessons []CandidateLesson `json:"candidate_lessons"`
}

// DefenseOutput is the validated output of the defense stage.
type DefenseOutput struct {
	Praises          []string          `json:"praises"`
	CandidateLessons []CandidateLesson `json:"candidate_lessons"`
}

// JuryOutput is the validated output of the jury stage.
type JuryOutput struct {
	Observations     []string          `json:"observations"`
	Risks            []string          `json:"risks"`
	MissingInfo      []string          `json:"missing_info"`
	CandidateLessons []CandidateLesson `json:"candidate_lessons"`
}

// JudgeOutput is the validated output of the judge stage.
type JudgeOutput struct {
	SelectedLessons              []CandidateLesson       `json:"selected_lessons"`
	DeferredLessons              []DeferredLesson        `json:"deferred_lessons"`
	PromptUpdateProposals        []PromptUpdateProposal  `json:"prompt_update_proposals"`
	UserImprovementSuggestions   []ImprovementSuggestion `json:"user_improvement_suggestions,omitempty"`
	SystemImprovementSuggestions []ImprovementSuggestion `json:"system_improvement_suggestions,omitempty"`
}

// StageOutput is the sum of the four typed stage outputs; exactly one
// field is non-nil for a successful stage.
type StageOutput struct {
	Prosecutor *ProsecutorOutput `json:"prosecutor,omitempty"`
	Defense    *DefenseOutput    `json:"defense,omitempty"`
	Jury       *JuryOutput       `json:"jury,omitempty"`
	Judge      *JudgeOutput      `json:"judge,omitempty"`
}

// CandidateLessons returns the lessons proposed by whichever stage produced
// this output (selected lessons, for the judge).
func (o StageOutput) CandidateLessons() []CandidateLesson {
	switch {
	case o.Prosecutor != nil:
		return o.Prosecutor.CandidateLessons
	case o.Defense != nil:
		return o.Defense.CandidateLessons
	case o.Jury != nil:
		return o.Jury.CandidateLessons
	case o.Judge != nil:
		return o.Judge.SelectedLessons
	}
	return nil
}

// ParseStageOutput decodes and validates a raw agent payload against the
// schema for the given stage.
func ParseStageOutput(stage Stage, raw json.RawMessage) (StageOutput, error) {
	var out StageOutput
	switch stage {
	case StageProsecutor:
		var v ProsecutorOutput
		if err := strictDecode(raw, &v); err != nil {
			return out, fmt.Errorf("model: parse prosecutor output: %w", err)
		}
		if err := validateLessons(v.CandidateLessons, "prosecutor.candidate_lessons"); err != nil {
			return out, err
		}
		out.Prosecutor = &v
	case StageDefense:
		var v DefenseOutput
		if err := strictDecode(raw, &v); err != nil {
			return out, fmt.Errorf("model: parse defense output: %w", err)
		}
		if err := validateLessons(v.CandidateLessons, "defense.candidate_lessons"); err != nil {
			return out, err
		}
		out.Defense = &v
	case StageJury:
		var v JuryOutput
		if err := strictDecode(raw, &v); err != nil {
			return out, fmt.Errorf("model: parse jury output: %w", err)
		}
		if err := validateLessons(v.CandidateLessons, "jury.candidate_lessons"); err != nil {
			return out, err
		}
		out.Jury = &v
	case StageJudge:
		var v JudgeOutput
		if err := strictDecode(raw, &v); err != nil {
			return out, fmt.Errorf("model: parse judge output: %w", err)
		}
		if err := validateLessons(v.SelectedLessons, "judge.selected_lessons"); err != nil {
			return out, err
		}
		for i, d := range v.DeferredLessons {
			if err := d.Lesson.Validate(fmt.Sprintf("judge.deferred_lessons[%d].lesson", i)); err != nil {
				return out, err
			}
			if d.Reason == "" {
				return out, fmt.Errorf("judge.deferred_lessons[%d].reason is required", i)
			}
		}
		for i, p := range v.PromptUpdateProposals {
			if err := p.Validate(fmt.Sprintf("judge.prompt_update_proposals[%d]", i)); err != nil {
				return out, err
			}
		}
		out.Judge = &v
	default:
		return out, fmt.Errorf("model: unknown stage %q", stage)
	}
	return out, nil
}

func validateLessons(lessons []CandidateLesson, where string) error {
	for i, l := range lessons {
		if err := l.Validate(fmt.Sprintf("%s[%d]", where, i)); err != nil {
			return err
		}
	}
	return nil
}

func strictDecode(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(raw, target)
}
