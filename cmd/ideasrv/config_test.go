package main

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/nasa-jpl/ideactl/comm"
	"github.com/nasa-jpl/ideactl/util"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "ideasrv")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "ideasrv.yml")
	if err := ioutil.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigMissingFileGivesDefaults(t *testing.T) {
	c, err := LoadConfig(filepath.Join(os.TempDir(), "does-not-exist", "ideasrv.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(DefaultConfig(), c, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
Addr: ":9000"
Device:
  Addr: /dev/ttyS4
  Driver: tarm
Profile:
  Step: 16
Limits:
  "0":
    Min: -5
    Max: 5
`)
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Addr != ":9000" || c.Device.Addr != "/dev/ttyS4" || c.Device.Driver != comm.DriverTarm {
		t.Errorf("file values not applied: %+v", c)
	}
	if c.Device.Baud != 57600 {
		t.Errorf("expected default baud to survive, got %d", c.Device.Baud)
	}
	if c.Profile.Step != 16 || c.Profile.RunSpeed != 3200 {
		t.Errorf("expected Step override with default RunSpeed, got %+v", c.Profile)
	}
	want := map[string]util.Limiter{"0": {Min: -5, Max: 5}}
	if diff := cmp.Diff(want, c.Limits); diff != "" {
		t.Errorf("limits mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigRejectsBadProfile(t *testing.T) {
	path := writeFile(t, "Profile:\n  Step: 0\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for zero microstep divisor")
	}
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := writeFile(t, "Addr: [\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestMkconfOutputLoads(t *testing.T) {
	c := DefaultConfig()
	c.Device.Addr = "10.0.0.5:2001"
	c.Device.Driver = comm.DriverTCP
	c.Limits["0"] = util.Limiter{Min: 0, Max: 25}
	var buf bytes.Buffer
	if err := WriteConfig(&buf, c); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfig(writeFile(t, buf.String()))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("mkconf output did not load back (-want +got):\n%s", diff)
	}
}

func TestSessionOptions(t *testing.T) {
	c := DefaultConfig()
	if n := len(c.SessionOptions()); n != 3 {
		t.Errorf("expected 3 options without a report interval, got %d", n)
	}
	c.ReportIntervalMs = int(time.Second / time.Millisecond)
	if n := len(c.SessionOptions()); n != 4 {
		t.Errorf("expected 4 options with a report interval, got %d", n)
	}
}

func TestPortDoesNotStallMainloop(t *testing.T) {
	sp := DefaultConfig().Port()
	if sp.OpenTimeout != portOpenTimeout || sp.OpenTimeout >= comm.DefaultOpenTimeout {
		t.Errorf("expected open timeout %v, got %v", portOpenTimeout, sp.OpenTimeout)
	}
	if sp.Driver != comm.DriverBugst || sp.Baud != 57600 {
		t.Errorf("unexpected port %s at %d baud", sp.Driver, sp.Baud)
	}
}
