package debug

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func readAll(t *testing.T, m *Memory) *Reader {
	t.Helper()
	data := m.Bytes()
	r, err := NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return r
}

func TestWriteAndRead(t *testing.T) {
	m, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	Write("svm/vm/vcpu0", "hello")
	Writef("svm/vm/vcpu1", "exit %d", 7)
	if err := Close(); err != nil {
		t.Fatal(err)
	}

	r := readAll(t, m)
	if got, want := r.Sources(), []string{"svm/vm/vcpu0", "svm/vm/vcpu1"}; !cmp.Equal(got, want) {
		t.Fatalf("Sources() = %v, want %v", got, want)
	}
	var msgs []string
	if err := r.Each(func(e Entry) error {
		msgs = append(msgs, string(e.Data))
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"hello", "exit 7"}, msgs); diff != "" {
		t.Fatalf("messages (-want +got):\n%s", diff)
	}
}

func TestExitRecord(t *testing.T) {
	m, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	want := ExitRecord{
		VCPU: 1, HostCPU: 3, ASID: 42, Flush: 3, Clean: 0xfff,
		Code: 0x72, Info1: 1, Info2: 2, IntInfo: 0x80000b0e, RIP: 0x1000, Injected: 0x80000300,
	}
	WithSource("svm/vm/vcpu1").WriteExit(want)
	WithSource("svm/vm/vcpu1").Write("not an exit")
	Close()

	r := readAll(t, m)
	var got []ExitRecord
	err = r.Search(Filter{Kinds: []DebugKind{DebugKindExit}}, func(e Entry) error {
		rec, err := e.Exit()
		if err != nil {
			return err
		}
		got = append(got, rec)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]ExitRecord{want}, got); diff != "" {
		t.Fatalf("exit records (-want +got):\n%s", diff)
	}
}

func TestDisabled(t *testing.T) {
	Close()
	if Enabled() {
		t.Fatalf("Enabled() with no log open")
	}
	// Must not panic.
	Write("x", "dropped")
	WithSource("x").WriteExit(ExitRecord{})
}

func TestConcurrentWriters(t *testing.T) {
	m, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	const writers, each = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := WithSource(fmt.Sprintf("vcpu%d", w))
			for i := 0; i < each; i++ {
				d.WriteExit(ExitRecord{VCPU: uint16(w), Code: uint64(i)})
			}
		}()
	}
	wg.Wait()
	Close()

	r := readAll(t, m)
	if r.Len() != writers*each {
		t.Fatalf("Len() = %d, want %d", r.Len(), writers*each)
	}
	perSource := make(map[string]int)
	if err := r.Each(func(e Entry) error {
		rec, err := e.Exit()
		if err != nil {
			return err
		}
		if e.Source != fmt.Sprintf("vcpu%d", rec.VCPU) {
			return fmt.Errorf("record for vcpu %d under %q", rec.VCPU, e.Source)
		}
		perSource[e.Source]++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	for src, n := range perSource {
		if n != each {
			t.Errorf("%s: %d entries, want %d", src, n, each)
		}
	}
}

func TestSearchLimit(t *testing.T) {
	m, _ := OpenMemory()
	for i := 0; i < 10; i++ {
		Writef("s", "%d", i)
	}
	Close()
	r := readAll(t, m)

	collect := func(f Filter) []string {
		var out []string
		if err := r.Search(f, func(e Entry) error {
			out = append(out, string(e.Data))
			return nil
		}); err != nil {
			t.Fatal(err)
		}
		return out
	}
	if got := collect(Filter{Limit: 2}); !cmp.Equal(got, []string{"0", "1"}) {
		t.Errorf("first two = %v", got)
	}
	if got := collect(Filter{Limit: -2}); !cmp.Equal(got, []string{"8", "9"}) {
		t.Errorf("last two = %v", got)
	}
	if got := collect(Filter{Sources: []string{"other"}}); len(got) != 0 {
		t.Errorf("unknown source matched %v", got)
	}
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.bin")
	if err := OpenFile(path); err != nil {
		t.Fatal(err)
	}
	Write("file", "persisted")
	if err := Close(); err != nil {
		t.Fatal(err)
	}

	r, closer, err := NewReaderFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}
