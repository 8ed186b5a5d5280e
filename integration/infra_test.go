//go:build integration

package integration_test

import (
	"context"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// appHost is the host the application is reached under. Requests are dialled
// to the unix socket regardless of it.
const appHost = "nutrilog"

type infraStat struct {
	ConfigFilePath string
	Procdir        string
	SocketPath     string
	Cfg            map[string]any
}

func initInfra(t *testing.T, name string) (istat infraStat) {
	t.Helper()

	// Since the config is read from the file $PWD/config.yaml,
	// we're running a process in a subdirectory so that we aren't interferring with the other tests.
	wd, err := os.Getwd()
	require.NoError(t, err, "failed to get wd")
	istat.Procdir = filepath.Join(wd, name+"-test")
	istat.ConfigFilePath = filepath.Join(istat.Procdir, "config.yaml")

	err = os.MkdirAll(istat.Procdir, fs.ModePerm)
	require.NoError(t, err, "failed to create a dir for the process")

	// unix socket paths are limited in length
	sockDir, err := os.MkdirTemp("", "nl")
	require.NoError(t, err, "failed to create a socket dir")
	t.Cleanup(func() { os.RemoveAll(sockDir) })
	istat.SocketPath = filepath.Join(sockDir, "http.sock")

	err = yaml.Unmarshal([]byte(validConfig), &istat.Cfg)
	require.NoError(t, err, "failed to parse config")

	istat.Set("http.address", "unix://"+istat.SocketPath)
	istat.Set("auth.baseURL", "http://"+appHost)
	istat.Set("status.enabled", false)

	return istat
}

// Set assigns value to a dotted key of the configuration.
func (istat *infraStat) Set(key string, value any) {
	parts := strings.Split(key, ".")
	m := istat.Cfg
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// PrepareConfig writes a config file for running the test into the ConfigFilePath.
func (istat *infraStat) PrepareConfig(t *testing.T) {
	t.Helper()

	configFile, err := os.Create(istat.ConfigFilePath)
	require.NoError(t, err, "failed to create config file")
	defer configFile.Close()

	err = yaml.NewEncoder(configFile).Encode(istat.Cfg)
	require.NoError(t, err, "failed to write config")
}

// Start runs the binary from the process dir and stops it with SIGTERM when
// the test ends, so that coverprofiles are written.
func (istat *infraStat) Start(t *testing.T, args ...string) *exec.Cmd {
	t.Helper()

	currdir, err := os.Getwd()
	require.NoError(t, err, "failed to get wd")

	cmd := exec.Command(filepath.Join(currdir, binary), args...)
	cmd.Dir = istat.Procdir

	cmdOutPath := filepath.Join(currdir, t.Name()+".log")
	cmdOut, err := os.Create(cmdOutPath)
	require.NoError(t, err, "failed to create a log file")
	t.Cleanup(func() { cmdOut.Close() })

	cmd.Stdout = cmdOut
	cmd.Stderr = cmdOut
	t.Logf("starting an app process. Logs will be saved into %s", cmdOutPath)

	require.NoError(t, cmd.Start(), "could not start command")
	t.Cleanup(func() {
		_ = syscall.Kill(cmd.Process.Pid, syscall.SIGTERM)
		_ = cmd.Wait()
	})

	return cmd
}

// Client talks HTTP over the application's unix socket and never follows redirects.
func (istat *infraStat) Client() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", istat.SocketPath)
			},
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// WaitForServer polls /healthz until the server answers.
func (istat *infraStat) WaitForServer(t *testing.T) {
	t.Helper()

	client := istat.Client()
	for range 100 {
		resp, err := client.Get("http://" + appHost + "/healthz")
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("could not connect to server on %s", istat.SocketPath)
}

func (istat *infraStat) Close() {
	os.Remove(istat.ConfigFilePath)
	os.RemoveAll(istat.Procdir)
}
