package bridge

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestDictionaryGenerate(t *testing.T) {
	reg := NewCommandRegistry()
	dict := NewDictionary(reg)

	dict.AddConstant("TEST_CONST", uint32(42))
	dict.AddConstant("TEST_STR", "hello")
	dict.AddEnumeration("test_pins", []string{"PA0", "PA1", "PB0"})

	reg.Register("test_cmd", "arg=%u", func(data *[]byte) error { return nil })
	reg.Register("test_resp", "val=%u", nil)

	output := dict.Generate()

	var parsed struct {
		Version       string                    `json:"version"`
		BuildVersions string                    `json:"build_versions"`
		Config        map[string]string         `json:"config"`
		Commands      map[string]int            `json:"commands"`
		Responses     map[string]int            `json:"responses"`
		Enumerations  map[string]map[string]int `json:"enumerations"`
	}
	if err := json.Unmarshal(output, &parsed); err != nil {
		t.Fatalf("Dictionary is not valid JSON: %v\n%s", err, output)
	}

	if parsed.Version != "spindle-0.1.0" {
		t.Errorf("Wrong version: %q", parsed.Version)
	}
	if parsed.BuildVersions != "go-tinygo" {
		t.Errorf("Wrong build_versions: %q", parsed.BuildVersions)
	}
	if parsed.Config["TEST_CONST"] != "42" {
		t.Errorf("TEST_CONST: %q", parsed.Config["TEST_CONST"])
	}
	if parsed.Config["TEST_STR"] != "hello" {
		t.Errorf("TEST_STR: %q", parsed.Config["TEST_STR"])
	}
	if id, ok := parsed.Commands["test_cmd arg=%u"]; !ok || id != 0 {
		t.Errorf("test_cmd missing or wrong ID: %v", parsed.Commands)
	}
	if id, ok := parsed.Responses["test_resp val=%u"]; !ok || id != 1 {
		t.Errorf("test_resp missing or wrong ID: %v", parsed.Responses)
	}
	if parsed.Enumerations["test_pins"]["PA1"] != 1 {
		t.Errorf("test_pins enumeration wrong: %v", parsed.Enumerations)
	}
}

func TestDictionaryEnumerationHoles(t *testing.T) {
	reg := NewCommandRegistry()
	dict := NewDictionary(reg)

	// Empty strings are holes in the index space, not entries.
	dict.AddEnumeration("spi_bus", []string{"spi0", "", "spi2"})

	var parsed struct {
		Enumerations map[string]map[string]int `json:"enumerations"`
	}
	if err := json.Unmarshal(dict.Generate(), &parsed); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	buses := parsed.Enumerations["spi_bus"]
	if len(buses) != 2 {
		t.Fatalf("Expected 2 bus entries, got %v", buses)
	}
	if buses["spi0"] != 0 || buses["spi2"] != 2 {
		t.Errorf("Bus indexes wrong: %v", buses)
	}
}

func TestDictionaryChunks(t *testing.T) {
	reg := NewCommandRegistry()
	dict := NewDictionary(reg)
	dict.AddConstant("TEST", uint32(123))

	full := dict.Generate()

	chunk1 := dict.GetChunk(0, 10)
	if len(chunk1) == 0 {
		t.Error("First chunk is empty")
	}
	if len(chunk1) > 10 {
		t.Errorf("First chunk too large: %d bytes", len(chunk1))
	}

	chunkEnd := dict.GetChunk(uint32(len(full)+100), 10)
	if len(chunkEnd) != 0 {
		t.Error("Chunk beyond end should be empty")
	}

	chunkAtEnd := dict.GetChunk(uint32(len(full)), 10)
	if len(chunkAtEnd) != 0 {
		t.Error("Chunk at end should be empty")
	}

	// Reassembling every chunk reproduces the blob.
	var got []byte
	for off := uint32(0); ; {
		c := dict.GetChunk(off, 7)
		if len(c) == 0 {
			break
		}
		got = append(got, c...)
		off += uint32(len(c))
	}
	if !bytes.Equal(got, full) {
		t.Errorf("Chunk reassembly differs:\n%s\n%s", got, full)
	}
}

func TestDictionaryCached(t *testing.T) {
	reg := NewCommandRegistry()
	reg.Register("cmd_a", "", func(data *[]byte) error { return nil })
	dict := NewDictionary(reg)

	dict.BuildDictionary()
	first := dict.Generate()

	// Registration after the build is invisible until the next build.
	reg.Register("cmd_b", "", func(data *[]byte) error { return nil })
	second := dict.Generate()
	if !bytes.Equal(first, second) {
		t.Error("Cached dictionary changed without a rebuild")
	}

	dict.BuildDictionary()
	third := dict.Generate()
	if bytes.Equal(first, third) {
		t.Error("Rebuild did not pick up the new command")
	}
}

func TestDictionaryStableOutput(t *testing.T) {
	build := func() []byte {
		reg := NewCommandRegistry()
		dict := NewDictionary(reg)
		dict.AddConstant("B_CONST", uint32(2))
		dict.AddConstant("A_CONST", uint32(1))
		dict.AddEnumeration("pins", []string{"P0", "P1"})
		reg.Register("one", "a=%u", func(data *[]byte) error { return nil })
		reg.Register("two", "", nil)
		return dict.Generate()
	}

	a := build()
	b := build()
	if !bytes.Equal(a, b) {
		t.Errorf("Dictionary output not deterministic:\n%s\n%s", a, b)
	}
}
