package security

import (
	"testing"

	appErr "tci/pkg/errors"
)

func TestGateScanPython(t *testing.T) {
	gate, err := NewGate(nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	tests := []struct {
		name   string
		code   string
		reject bool
	}{
		{"plain arithmetic", "x = 1 + 2\nresult = x * 3\n", false},
		{"socket import", "import socket\ns = socket.socket()\n", true},
		{"from subprocess", "from subprocess import run\n", true},
		{"dunder import", "m = __import__('os')\n", true},
		{"os system", "import os\nos.system('ls')\n", true},
		{"eval compile", "eval(compile('1+1', '<s>', 'eval'))\n", true},
		{"socket in string literal", "msg = 'import socket is banned'\n", false},
		{"socket as attribute", "x = mysocket.connect()\n", false},
		{"json import allowed", "import json\nresult = json.dumps([1])\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gate.Scan("python", tt.code)
			if tt.reject {
				if !appErr.Is(err, appErr.SecurityRejected) {
					t.Fatalf("expected SecurityRejected, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected rejection: %v", err)
			}
		})
	}
}

func TestGateScanJavaScript(t *testing.T) {
	gate, err := NewGate(nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	tests := []struct {
		name   string
		code   string
		reject bool
	}{
		{"plain code", "const x = [1, 2, 3];\nresult = x.length;\n", false},
		{"child_process require", "const cp = require('child_process');\n", true},
		{"net require", "require(\"net\").createServer();\n", true},
		{"process binding", "process.binding('spawn_sync');\n", true},
		{"function constructor", "const f = Function('return 1');\n", true},
		{"fs require allowed", "const fs = require('fs');\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gate.Scan("javascript", tt.code)
			if tt.reject {
				if !appErr.Is(err, appErr.SecurityRejected) {
					t.Fatalf("expected SecurityRejected, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected rejection: %v", err)
			}
		})
	}
}

func TestGateScanDeterministic(t *testing.T) {
	gate, err := NewGate(nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	code := "import socket\n"
	first := gate.Scan("python", code)
	for i := 0; i < 10; i++ {
		got := gate.Scan("python", code)
		if (got == nil) != (first == nil) {
			t.Fatalf("scan verdict changed on repeat %d", i)
		}
		if got != nil && appErr.GetError(got).Details["reason"] != appErr.GetError(first).Details["reason"] {
			t.Fatalf("scan reason changed on repeat %d", i)
		}
	}
}

func TestGateConfiguredPatterns(t *testing.T) {
	gate, err := NewGate(map[string][]string{"python": {`forbidden_helper`}})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if err := gate.Scan("python", "forbidden_helper()\n"); !appErr.Is(err, appErr.SecurityRejected) {
		t.Fatalf("expected configured pattern to reject, got %v", err)
	}

	if _, err := NewGate(map[string][]string{"python": {`(`}}); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestGateUnknownLanguagePasses(t *testing.T) {
	gate, err := NewGate(nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if err := gate.Scan("ruby", "system('ls')"); err != nil {
		t.Fatalf("unknown language should pass the scan, got %v", err)
	}
}

func TestPolicyForRejectsEgress(t *testing.T) {
	gate, err := NewGate(nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	policy, err := gate.PolicyFor(nil)
	if err != nil {
		t.Fatalf("PolicyFor without egress: %v", err)
	}
	if policy.DefaultAction != "kill" {
		t.Fatalf("default action = %q", policy.DefaultAction)
	}
	for _, sc := range policy.SyscallAllowlist {
		if sc == "socket" || sc == "connect" {
			t.Fatalf("allowlist must not contain %s", sc)
		}
	}

	_, err = gate.PolicyFor([]EgressRule{{Host: "api.example.com", Port: 443}})
	if !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("egress request must be rejected, got %v", err)
	}
}

func TestPolicyClone(t *testing.T) {
	p := DefaultPolicy()
	c := p.Clone()
	c.SyscallAllowlist[0] = "mutated"
	if p.SyscallAllowlist[0] == "mutated" {
		t.Fatal("clone shares backing array with original")
	}
}
