// Command gen_ortapi regenerates the OrtApi slot table in ort/types.go from
// onnxruntime_c_api.h.
//
//	go run ./tools -header onnxruntime_c_api.h -through ReleaseCustomOpDomain
//
// Parsing is regex based and tracks the current header layout. The key slot
// check below fails loudly if a header change shifts the table.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

var (
	structStart     = regexp.MustCompile(`^struct OrtApi \{`)
	structEnd       = regexp.MustCompile(`^\s*\};`)
	api2Status      = regexp.MustCompile(`ORT_API2_STATUS\((\w+),`)
	funcPtr         = regexp.MustCompile(`^\s+(OrtStatus|OrtErrorCode|const char|void)\s*\(\s*ORT_API_CALL\s*\*\s*(\w+)\)`)
	funcPtrStar     = regexp.MustCompile(`^\s+(OrtStatus|OrtErrorCode|const char)\s*\*\s*\(\s*ORT_API_CALL\s*\*\s*(\w+)\)`)
	classRelease    = regexp.MustCompile(`ORT_CLASS_RELEASE\((\w+)\)`)
	keySlotsByIndex = map[string]int{
		"CreateEnv":                      3,
		"CreateTensorWithDataAsOrtValue": 49,
		"CreateCpuMemoryInfo":            69,
		"ReleaseEnv":                     92,
	}
)

// slot is one function pointer in the OrtApi table.
type slot struct {
	Name string
	Line int
}

func main() {
	header := flag.String("header", "", "path to onnxruntime_c_api.h")
	through := flag.String("through", "", "last slot to emit; empty emits the whole table")
	out := flag.String("o", "", "output file; stdout when empty")
	flag.Parse()

	if err := run(*header, *through, *out); err != nil {
		fmt.Fprintf(os.Stderr, "gen_ortapi: %v\n", err)
		os.Exit(1)
	}
}

func run(header, through, out string) error {
	if header == "" {
		return errors.New("-header is required")
	}
	f, err := os.Open(header)
	if err != nil {
		return err
	}
	defer f.Close()

	slots, err := parseSlots(f)
	if err != nil {
		return err
	}
	if err := checkKeySlots(slots); err != nil {
		return err
	}
	if through != "" {
		if slots, err = truncateAt(slots, through); err != nil {
			return err
		}
	}

	w := io.Writer(os.Stdout)
	if out != "" {
		file, err := os.Create(out)
		if err != nil {
			return err
		}
		defer file.Close()
		w = file
	}
	return render(w, slots)
}

// parseSlots returns the OrtApi function pointers in declaration order.
func parseSlots(r io.Reader) ([]slot, error) {
	scanner := bufio.NewScanner(r)
	var (
		slots    []slot
		inStruct bool
		line     int
	)
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if !inStruct {
			inStruct = structStart.MatchString(text)
			continue
		}
		if structEnd.MatchString(text) {
			break
		}
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "*") {
			continue
		}
		if name := slotName(text); name != "" {
			slots = append(slots, slot{Name: name, Line: line})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !inStruct {
		return nil, errors.New("struct OrtApi not found")
	}

	seen := make(map[string]bool, len(slots))
	for _, s := range slots {
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate slot %s at line %d", s.Name, s.Line)
		}
		seen[s.Name] = true
	}
	return slots, nil
}

func slotName(line string) string {
	if m := api2Status.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	if m := funcPtr.FindStringSubmatch(line); m != nil {
		return m[2]
	}
	if m := funcPtrStar.FindStringSubmatch(line); m != nil {
		return m[2]
	}
	if m := classRelease.FindStringSubmatch(line); m != nil {
		return "Release" + m[1]
	}
	return ""
}

// checkKeySlots fails when a known slot moved, which means either the
// parser or the header layout broke.
func checkKeySlots(slots []slot) error {
	index := make(map[string]int, len(slots))
	for i, s := range slots {
		index[s.Name] = i
	}
	var errs []error
	for name, want := range keySlotsByIndex {
		got, ok := index[name]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("key slot %s not found", name))
		case got != want:
			errs = append(errs, fmt.Errorf("key slot %s at index %d, want %d", name, got, want))
		}
	}
	return errors.Join(errs...)
}

func truncateAt(slots []slot, last string) ([]slot, error) {
	for i, s := range slots {
		if s.Name == last {
			return slots[:i+1], nil
		}
	}
	return nil, fmt.Errorf("slot %s not found", last)
}

func render(w io.Writer, slots []slot) error {
	width := 0
	for _, s := range slots {
		width = max(width, len(s.Name))
	}
	var b strings.Builder
	b.WriteString("// OrtApi mirrors the C OrtApi function table. Slot order must match\n")
	b.WriteString("// onnxruntime_c_api.h exactly.\n")
	b.WriteString("type OrtApi struct {\n")
	for i, s := range slots {
		fmt.Fprintf(&b, "\t%-*s uintptr // %d\n", width, s.Name, i)
	}
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}
