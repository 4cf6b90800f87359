package models

import "testing"

func TestJobFileStatus(t *testing.T) {
	tests := []struct {
		name string
		job  JobFile
		want JobStatus
	}{
		{"completed", JobFile{TotalCount: 10, ProgressCount: 10}, JobStatusCompleted},
		{"completed stays completed when inactive", JobFile{TotalCount: 10, ProgressCount: 10, Active: false}, JobStatusCompleted},
		{"processing", JobFile{TotalCount: 10, ProgressCount: 3, Active: true}, JobStatusProcessing},
		{"paused", JobFile{TotalCount: 10, ProgressCount: 3, Active: false}, JobStatusPaused},
		{"pending", JobFile{TotalCount: 10, ProgressCount: 0, Active: false}, JobStatusPending},
		{"empty job is pending", JobFile{TotalCount: 0, ProgressCount: 0}, JobStatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.job.Status(); got != tt.want {
				t.Errorf("Status() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProgressPercentage(t *testing.T) {
	job := JobFile{TotalCount: 200, ProgressCount: 50}
	if got := job.ProgressPercentage(); got != 25 {
		t.Errorf("ProgressPercentage() = %v, want 25", got)
	}
	empty := JobFile{}
	if got := empty.ProgressPercentage(); got != 0 {
		t.Errorf("ProgressPercentage() on empty job = %v, want 0", got)
	}
}

func TestIsValidOperator(t *testing.T) {
	valid := []string{"MOVISTAR", "VODAFONE ESPANA, S.A.U.", "DIGI SPAIN TELECOM, S.L."}
	for _, op := range valid {
		if !IsValidOperator(op) {
			t.Errorf("IsValidOperator(%q) = false, want true", op)
		}
	}
	invalid := append([]string{""}, InvalidOperators...)
	for _, op := range invalid {
		if IsValidOperator(op) {
			t.Errorf("IsValidOperator(%q) = true, want false", op)
		}
	}
}
