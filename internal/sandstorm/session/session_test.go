package session

import (
	"testing"
	"time"
)

func TestRunRequestValidate(t *testing.T) {
	valid := RunRequest{Prompt: "hello"}

	tests := []struct {
		name    string
		mutate  func(*RunRequest)
		wantErr bool
	}{
		{"minimal valid", func(*RunRequest) {}, false},
		{"empty prompt", func(r *RunRequest) { r.Prompt = "" }, true},
		{"negative max turns", func(r *RunRequest) { r.MaxTurns = -1 }, true},
		{"zero max turns unbounded", func(r *RunRequest) { r.MaxTurns = 0 }, false},
		{"negative timeout", func(r *RunRequest) { r.Timeout = -time.Second }, true},
		{"empty file path", func(r *RunRequest) {
			r.Files = map[string][]byte{"": []byte("x")}
		}, true},
		{"absolute file path", func(r *RunRequest) {
			r.Files = map[string][]byte{"/etc/passwd": []byte("x")}
		}, true},
		{"traversal file path", func(r *RunRequest) {
			r.Files = map[string][]byte{"../outside.txt": []byte("x")}
		}, true},
		{"nested traversal", func(r *RunRequest) {
			r.Files = map[string][]byte{"a/../../outside.txt": []byte("x")}
		}, true},
		{"nested file path ok", func(r *RunRequest) {
			r.Files = map[string][]byte{"src/deep/main.py": []byte("x")}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			err := req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}
