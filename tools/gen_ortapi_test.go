package main

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleHeader = `
struct OrtApiBase {
  const OrtApi*(ORT_API_CALL* GetApi)(uint32_t version);
};

struct OrtApi {
  /// \brief Create an OrtStatus
  OrtStatus*(ORT_API_CALL* CreateStatus)(OrtErrorCode code, const char* msg);
  OrtErrorCode(ORT_API_CALL* GetErrorCode)(const OrtStatus* status);
  const char*(ORT_API_CALL* GetErrorMessage)(const OrtStatus* status);

  // comment
  ORT_API2_STATUS(CreateEnv, OrtLoggingLevel log_severity_level, const char* logid, OrtEnv** out);
  ORT_CLASS_RELEASE(Env);
};

struct Trailing {
  ORT_API2_STATUS(NotInOrtApi, int x);
};
`

func names(slots []slot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.Name
	}
	return out
}

func TestParseSlots(t *testing.T) {
	slots, err := parseSlots(strings.NewReader(sampleHeader))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"CreateStatus", "GetErrorCode", "GetErrorMessage", "CreateEnv", "ReleaseEnv"}
	if diff := cmp.Diff(want, names(slots)); diff != "" {
		t.Fatalf("slots mismatch (-want +got):\n%s", diff)
	}

	head, err := truncateAt(slots, "GetErrorMessage")
	if err != nil || len(head) != 3 {
		t.Fatalf("truncateAt() = %v, %v", names(head), err)
	}
	if _, err := truncateAt(slots, "Missing"); err == nil {
		t.Error("expected unknown slot error")
	}
}

func TestParseSlotsErrors(t *testing.T) {
	if _, err := parseSlots(strings.NewReader("struct Other {\n};\n")); err == nil {
		t.Error("expected missing struct error")
	}
	dup := "struct OrtApi {\n  ORT_CLASS_RELEASE(Env);\n  ORT_CLASS_RELEASE(Env);\n};\n"
	if _, err := parseSlots(strings.NewReader(dup)); err == nil || !strings.Contains(err.Error(), "duplicate slot ReleaseEnv") {
		t.Errorf("expected duplicate error, got %v", err)
	}
}

func TestCheckKeySlots(t *testing.T) {
	slots, _ := parseSlots(strings.NewReader(sampleHeader))
	err := checkKeySlots(slots)
	if err == nil || !strings.Contains(err.Error(), "key slot CreateTensorWithDataAsOrtValue not found") {
		t.Fatalf("expected missing key slot error, got %v", err)
	}
	if strings.Contains(err.Error(), "CreateEnv") {
		t.Errorf("CreateEnv is at its expected index: %v", err)
	}
}

func TestRender(t *testing.T) {
	var b strings.Builder
	if err := render(&b, []slot{{Name: "CreateStatus"}, {Name: "CreateEnv"}}); err != nil {
		t.Fatal(err)
	}
	want := "// OrtApi mirrors the C OrtApi function table. Slot order must match\n" +
		"// onnxruntime_c_api.h exactly.\n" +
		"type OrtApi struct {\n" +
		"\tCreateStatus uintptr // 0\n" +
		"\tCreateEnv    uintptr // 1\n" +
		"}\n"
	if diff := cmp.Diff(want, b.String()); diff != "" {
		t.Fatalf("render mismatch (-want +got):\n%s", diff)
	}
}
