package app

import (
	"context"
	"strings"
	"testing"
)

func TestParseOperatorCommand(t *testing.T) {
	cases := []struct {
		text string
		cmd  string
		args []string
		ok   bool
	}{
		{"/status", "status", nil, true},
		{"  /PAUSE  ", "pause", nil, true},
		{"/answer ETH flatten", "answer", []string{"ETH", "flatten"}, true},
		{"hello", "", nil, false},
		{"", "", nil, false},
		{"/", "", nil, true},
	}
	for _, tc := range cases {
		cmd, args, ok := parseOperatorCommand(tc.text)
		if ok != tc.ok {
			t.Fatalf("%q: ok = %t, want %t", tc.text, ok, tc.ok)
		}
		if !ok {
			continue
		}
		if cmd != tc.cmd {
			t.Fatalf("%q: cmd = %q, want %q", tc.text, cmd, tc.cmd)
		}
		if len(args) != len(tc.args) {
			t.Fatalf("%q: args = %v, want %v", tc.text, args, tc.args)
		}
		for i := range args {
			if args[i] != tc.args[i] {
				t.Fatalf("%q: args = %v, want %v", tc.text, args, tc.args)
			}
		}
	}
}

func TestOperatorPauseResume(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()

	resp, err := a.handleOperatorCommand(ctx, "pause", nil)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if resp != "trading paused" {
		t.Fatalf("pause response = %q", resp)
	}
	if !a.isPaused() {
		t.Fatalf("expected paused")
	}

	resp, err = a.handleOperatorCommand(ctx, "pause", nil)
	if err != nil {
		t.Fatalf("second pause: %v", err)
	}
	if resp != "trading already paused" {
		t.Fatalf("second pause response = %q", resp)
	}

	if _, err := a.handleOperatorCommand(ctx, "resume", nil); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if a.isPaused() {
		t.Fatalf("expected resumed")
	}
}

func TestOperatorAnswerArgValidation(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()

	if _, err := a.handleOperatorCommand(ctx, "answer", []string{"ETH"}); err == nil {
		t.Fatalf("missing action should error")
	}
	if _, err := a.handleOperatorCommand(ctx, "answer", []string{"ETH", "panic"}); err == nil {
		t.Fatalf("unknown action should error")
	}
}

func TestOperatorRiskSetAndReset(t *testing.T) {
	a := testApp(t)
	a.cfg.Escalation.DrawdownBps = 150
	a.riskCfg = a.cfg.Escalation
	ctx := context.Background()

	if _, err := a.handleOperatorCommand(ctx, "risk", []string{"set", "drawdown_bps", "200"}); err != nil {
		t.Fatalf("risk set: %v", err)
	}
	if got := a.escalationConfig().DrawdownBps; got != 200 {
		t.Fatalf("drawdown_bps = %v, want 200", got)
	}

	show, err := a.handleOperatorCommand(ctx, "risk", []string{"show"})
	if err != nil {
		t.Fatalf("risk show: %v", err)
	}
	if !strings.Contains(show, "drawdown_bps: 200.0") {
		t.Fatalf("show should reflect the override, got %q", show)
	}

	if _, err := a.handleOperatorCommand(ctx, "risk", []string{"reset"}); err != nil {
		t.Fatalf("risk reset: %v", err)
	}
	if got := a.escalationConfig().DrawdownBps; got != 150 {
		t.Fatalf("drawdown_bps after reset = %v, want 150", got)
	}
}

func TestOperatorRiskSetRejectsBadInput(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()
	cases := [][]string{
		{"set", "drawdown_bps", "-5"},
		{"set", "reconcile_fail_streak", "1.5"},
		{"set", "notional_ratio", "1.2"},
		{"set", "made_up_key", "3"},
		{"set", "drawdown_bps"},
		{"frobnicate"},
	}
	for _, args := range cases {
		if _, err := a.handleOperatorCommand(ctx, "risk", args); err == nil {
			t.Fatalf("args %v should be rejected", args)
		}
	}
}

func TestOperatorUnknownCommandShowsHelp(t *testing.T) {
	a := testApp(t)
	resp, err := a.handleOperatorCommand(context.Background(), "frobnicate", nil)
	if err != nil {
		t.Fatalf("unknown command: %v", err)
	}
	if !strings.Contains(resp, "/answer <coin> hold|flatten") {
		t.Fatalf("help should list the answer command, got %q", resp)
	}
}
