package domain

import "testing"

func TestChangeEvent_IsAnsweredTransition(t *testing.T) {
	unanswered := &ExerciseImage{UserID: "u1", ExerciseID: "e1", Kind: KindAddition}
	answered := &ExerciseImage{UserID: "u1", ExerciseID: "e1", Kind: KindAddition, Answered: true}

	tests := []struct {
		name  string
		event ChangeEvent
		want  bool
	}{
		{"false to true", ChangeEvent{Type: ChangeUpdate, Previous: unanswered, Current: answered}, true},
		{"insert", ChangeEvent{Type: ChangeInsert, Current: unanswered}, false},
		{"same value write", ChangeEvent{Type: ChangeUpdate, Previous: answered, Current: answered}, false},
		{"unanswered rewrite", ChangeEvent{Type: ChangeUpdate, Previous: unanswered, Current: unanswered}, false},
		{"missing previous image", ChangeEvent{Type: ChangeUpdate, Current: answered}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.IsAnsweredTransition(); got != tt.want {
				t.Errorf("IsAnsweredTransition() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestChangeEvent_Subject(t *testing.T) {
	e := ChangeEvent{Current: &ExerciseImage{UserID: "u1", Kind: KindDerivative}}
	uid, kind := e.Subject()
	if uid != "u1" || kind != KindDerivative {
		t.Errorf("Subject() = (%q, %q); want (u1, derivative)", uid, kind)
	}

	uid, _ = ChangeEvent{}.Subject()
	if uid != "" {
		t.Errorf("Subject() of empty event = %q; want empty", uid)
	}
}
