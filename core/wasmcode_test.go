package core

import "testing"

// buildTestWasm assembles a minimal WASM binary with a memory section and an
// export section naming exports, just enough for ValidateCode's shape-only
// parse (it never decodes instruction bodies).
func buildTestWasm(t *testing.T, exports []string, memoryPages uint32, withStart bool) []byte {
	t.Helper()
	var buf []byte
	buf = append(buf, wasmMagic...)
	buf = append(buf, 0x01, 0x00, 0x00, 0x00) // version 1

	appendSection := func(id byte, body []byte) {
		buf = append(buf, id)
		buf = appendUvarint(buf, uint64(len(body)))
		buf = append(buf, body...)
	}

	if memoryPages > 0 {
		var mem []byte
		mem = appendUvarint(mem, 1) // one memory
		mem = append(mem, 0x00)     // flags: no max
		mem = appendUvarint(mem, uint64(memoryPages))
		appendSection(wasmSecMemory, mem)
	}

	var exp []byte
	exp = appendUvarint(exp, uint64(len(exports)))
	for _, name := range exports {
		exp = appendUvarint(exp, uint64(len(name)))
		exp = append(exp, []byte(name)...)
		exp = append(exp, 0x00) // kind: func
		exp = appendUvarint(exp, 0)
	}
	appendSection(wasmSecExport, exp)

	if withStart {
		appendSection(wasmSecStart, appendUvarint(nil, 0))
	}
	return buf
}

func appendUvarint(buf []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			buf = append(buf, b|0x80)
		} else {
			buf = append(buf, b)
			break
		}
	}
	return buf
}

func TestValidateCodeAcceptsMinimalProgram(t *testing.T) {
	code := buildTestWasm(t, []string{"init", "handle"}, 1, false)
	meta, err := ValidateCode(code, DefaultLimits(), 1)
	if err != nil {
		t.Fatalf("expected valid module, got %v", err)
	}
	if !meta.HasExport("init") || !meta.HasExport("handle") {
		t.Fatalf("metadata missing required exports: %+v", meta)
	}
	if meta.StaticPages != 1 {
		t.Fatalf("static pages=%d want 1", meta.StaticPages)
	}
}

func TestValidateCodeRejectsMissingRequiredExport(t *testing.T) {
	code := buildTestWasm(t, []string{"init"}, 1, false)
	if _, err := ValidateCode(code, DefaultLimits(), 1); err == nil {
		t.Fatalf("expected error for module missing the handle export")
	}
}

func TestValidateCodeRejectsBannedExport(t *testing.T) {
	code := buildTestWasm(t, []string{"init", "handle", "__indirect_function_table"}, 1, false)
	if _, err := ValidateCode(code, DefaultLimits(), 1); err == nil {
		t.Fatalf("expected error for banned export")
	}
}

func TestValidateCodeRejectsStartSection(t *testing.T) {
	code := buildTestWasm(t, []string{"init", "handle"}, 1, true)
	if _, err := ValidateCode(code, DefaultLimits(), 1); err == nil {
		t.Fatalf("expected error for module with a start section")
	}
}

func TestValidateCodeRejectsExcessiveStaticPages(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxWasmPages = 2
	code := buildTestWasm(t, []string{"init", "handle"}, 10, false)
	if _, err := ValidateCode(code, limits, 1); err == nil {
		t.Fatalf("expected error for static memory exceeding MaxWasmPages")
	}
}

func TestValidateCodeRejectsNotWasm(t *testing.T) {
	if _, err := ValidateCode([]byte("not a wasm module"), DefaultLimits(), 1); err == nil {
		t.Fatalf("expected error for non-WASM input")
	}
}

func TestInstrumentedCodeCacheMemoizes(t *testing.T) {
	db := newTestDB()
	code := buildTestWasm(t, []string{"init", "handle"}, 1, false)
	codeID := db.PutOriginalCode(code)

	cache := NewInstrumentedCodeCache(db)
	first, err := cache.GetOrInstrument(codeID, DefaultGasWeights())
	if err != nil {
		t.Fatalf("first instrument: %v", err)
	}
	second, err := cache.GetOrInstrument(codeID, DefaultGasWeights())
	if err != nil {
		t.Fatalf("second instrument: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("expected memoized instrumentation to be stable")
	}

	key := instrumentedCacheKey(codeID, 1)
	if _, ok := db.GetInstrumentedIndex(key); !ok {
		t.Fatalf("expected instrumented index to be populated after first call")
	}
}

func TestInstrumentedCodeCacheDifferentWeightsVersions(t *testing.T) {
	db := newTestDB()
	code := buildTestWasm(t, []string{"init", "handle"}, 1, false)
	codeID := db.PutOriginalCode(code)
	cache := NewInstrumentedCodeCache(db)

	w1 := DefaultGasWeights()
	w2 := DefaultGasWeights()
	w2.Version = 2

	_, err := cache.GetOrInstrument(codeID, w1)
	if err != nil {
		t.Fatalf("instrument v1: %v", err)
	}
	_, err = cache.GetOrInstrument(codeID, w2)
	if err != nil {
		t.Fatalf("instrument v2: %v", err)
	}
	k1 := instrumentedCacheKey(codeID, 1)
	k2 := instrumentedCacheKey(codeID, 2)
	if k1 == k2 {
		t.Fatalf("different weights versions must produce different cache keys")
	}
}

func TestInstrumentInjectsMeteringAndIsIdempotent(t *testing.T) {
	wasm := compileWAT(t, "echo.wat")
	weights := DefaultGasWeights()

	instrumented, err := instrument(wasm, weights)
	if err != nil {
		t.Fatalf("instrument: %v", err)
	}
	if string(instrumented) == string(wasm) {
		t.Fatalf("instrumentation must rewrite the module, got identical bytes")
	}

	mod, err := parseWasmModule(instrumented)
	if err != nil {
		t.Fatalf("parse instrumented module: %v", err)
	}
	var sawGas bool
	for _, name := range exportNames(mod) {
		if name == GasGlobalExport {
			sawGas = true
		}
	}
	if !sawGas {
		t.Fatalf("instrumented module must export the gas global, exports=%v", exportNames(mod))
	}

	again, err := instrument(instrumented, weights)
	if err != nil {
		t.Fatalf("re-instrument: %v", err)
	}
	if string(again) != string(instrumented) {
		t.Fatalf("instrumenting already-instrumented code must be hash-stable")
	}
}

func TestValidateCodeRejectsReservedGasExport(t *testing.T) {
	code := buildTestWasm(t, []string{"init", "handle", GasGlobalExport}, 1, false)
	if _, err := ValidateCode(code, DefaultLimits(), 1); err == nil {
		t.Fatalf("uploaded code must not claim the reserved gas export name")
	}
}
