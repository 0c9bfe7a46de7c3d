package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/guestcall/internal/config"
)

// PromptInteractive walks through the settings a guest needs before joining.
// An answer that leaves the config invalid keeps cfg unchanged.
func PromptInteractive(r io.Reader, w io.Writer, profileDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "Guest call setup")
	fmt.Fprintf(w, " Profile folder : %s\n", profileDir)
	fmt.Fprintf(w, " Config file    : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	next := cfg
	next.Signaling.URL = askString(in, w, "Call service URL (ws:// or wss://)", next.Signaling.URL)
	next.Call.CallID = askString(in, w, "Call id", next.Call.CallID)
	next.ICE.Username = askString(in, w, "TURN username (empty=STUN only)", next.ICE.Username)
	if next.ICE.Username != "" {
		next.ICE.Credential = askString(in, w, "TURN credential", next.ICE.Credential)
	}

	buffer := askBool(in, w, "Hold ICE candidates until the remote description arrives",
		next.Call.CandidatePolicy != config.CandidatesApply)
	next.Call.CandidatePolicy = config.CandidatesApply
	if buffer {
		next.Call.CandidatePolicy = config.CandidatesBuffer
	}

	next.Media.IdealHeight = askInt(in, w, "Ideal video height", next.Media.IdealHeight)
	next.Viewer.HTTPAddr = askString(in, w, "Viewer HTTP addr (empty=off)", next.Viewer.HTTPAddr)

	if err := next.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping previous settings.\n", err)
		return cfg
	}
	return next
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, convErr := strconv.Atoi(s); convErr == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
