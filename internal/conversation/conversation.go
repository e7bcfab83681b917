// Package conversation models the prior turns of a question-answering session.
package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Turn is either Completed or Failed.
type Turn interface {
	UserQuestion() string
	isTurn()
}

// Completed is a turn that produced a query and an answer.
type Completed struct {
	Question      string
	Query         string
	ResultSummary string
	Answer        string
}

func (c Completed) UserQuestion() string { return c.Question }
func (Completed) isTurn()                 {}

// Failed is a turn whose pipeline run ended in an error.
type Failed struct {
	Question string
	Error    string
}

func (f Failed) UserQuestion() string { return f.Question }
func (Failed) isTurn()                 {}

// History is an append-only sequence of turns. The zero value is empty and ready to use;
// Append never mutates the receiver, so a History can be shared between goroutines.
type History struct {
	turns []Turn
}

func NewHistory(turns ...Turn) History {
	return History{turns: append([]Turn(nil), turns...)}
}

func (h History) Append(turn Turn) History {
	next := make([]Turn, len(h.turns), len(h.turns)+1)
	copy(next, h.turns)
	return History{turns: append(next, turn)}
}

func (h History) Len() int {
	return len(h.turns)
}

func (h History) Turns() []Turn {
	return append([]Turn(nil), h.turns...)
}

// Last returns at most n of the most recent turns, oldest first.
func (h History) Last(n int) []Turn {
	if n <= 0 {
		return nil
	}
	if n > len(h.turns) {
		n = len(h.turns)
	}
	return append([]Turn(nil), h.turns[len(h.turns)-n:]...)
}

// TurnDTO is the wire form of a turn. Kind is "completed" or "failed".
type TurnDTO struct {
	Kind          string `json:"kind"`
	Question      string `json:"question"`
	Query         string `json:"query,omitempty"`
	ResultSummary string `json:"result_summary,omitempty"`
	Answer        string `json:"answer,omitempty"`
	Error         string `json:"error,omitempty"`
}

func FromDTOs(dtos []TurnDTO) (History, error) {
	turns := make([]Turn, 0, len(dtos))
	for i, dto := range dtos {
		switch strings.ToLower(strings.TrimSpace(dto.Kind)) {
		case "completed", "":
			turns = append(turns, Completed{
				Question:      dto.Question,
				Query:         dto.Query,
				ResultSummary: dto.ResultSummary,
				Answer:        dto.Answer,
			})
		case "failed":
			turns = append(turns, Failed{Question: dto.Question, Error: dto.Error})
		default:
			return History{}, fmt.Errorf("history[%d]: unknown turn kind %q", i, dto.Kind)
		}
	}
	return History{turns: turns}, nil
}

func (h History) DTOs() []TurnDTO {
	out := make([]TurnDTO, 0, len(h.turns))
	for _, turn := range h.turns {
		switch t := turn.(type) {
		case Completed:
			out = append(out, TurnDTO{Kind: "completed", Question: t.Question, Query: t.Query, ResultSummary: t.ResultSummary, Answer: t.Answer})
		case Failed:
			out = append(out, TurnDTO{Kind: "failed", Question: t.Question, Error: t.Error})
		}
	}
	return out
}

func (h History) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.DTOs())
}

func (h *History) UnmarshalJSON(data []byte) error {
	var dtos []TurnDTO
	if err := json.Unmarshal(data, &dtos); err != nil {
		return err
	}
	parsed, err := FromDTOs(dtos)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
