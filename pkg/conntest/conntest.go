// Pre-flight connection diagnostic for the HEPiC rig
//
// Before the persistent clients start, a strictly ordered, fail-fast check
// sequence answers "is the environment sane": host reachable, data port
// listening, Moonraker answering HTTP, Klipper reporting ready. Any failure
// short-circuits the rest; the tester is single-shot and holds no state
// after Run returns.
//
// Copyright (C) 2026  HEPiC Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package conntest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/ZLoverty/HEPiC/pkg/errors"
	"github.com/ZLoverty/HEPiC/pkg/log"
)

const (
	pingTimeout = 2 * time.Second
	portTimeout = 3 * time.Second
	httpTimeout = 3 * time.Second
)

// Tester runs the pre-flight check sequence once.
type Tester struct {
	host          string
	dataPort      int
	moonrakerPort int

	progress func(string)
	logger   *log.Logger

	// httpClient and pinger are swappable for tests.
	httpClient *http.Client
	pinger     func(ctx context.Context, host string) error
}

// New creates a Tester for host. dataPort is the telemetry stream port,
// moonrakerPort the Moonraker HTTP port. progress receives one human-readable
// message per step and may be nil.
func New(host string, dataPort, moonrakerPort int, progress func(string)) *Tester {
	t := &Tester{
		host:          host,
		dataPort:      dataPort,
		moonrakerPort: moonrakerPort,
		progress:      progress,
		logger:        log.GetLogger("conntest"),
		httpClient:    &http.Client{Timeout: httpTimeout},
	}
	t.pinger = t.systemPing
	return t
}

func (t *Tester) emit(msg string) {
	t.logger.Info("%s", msg)
	if t.progress != nil {
		t.progress(msg)
	}
}

// Run executes the four checks in order. It returns nil only if every check
// passed; the first failure is returned as a DIAGNOSTIC error and the
// remaining steps are skipped.
func (t *Tester) Run(ctx context.Context) error {
	t.emit("checking network environment...")

	t.emit(fmt.Sprintf("[step 1/4] pinging host %s ...", t.host))
	if err := t.pinger(ctx, t.host); err != nil {
		t.emit(fmt.Sprintf("ping failed, host %s is unreachable or blocks echo requests", t.host))
		return errors.Wrap(err, errors.ErrDiagnostic, "host unreachable")
	}
	t.emit(fmt.Sprintf("ping ok, host %s is reachable", t.host))

	t.emit(fmt.Sprintf("[step 2/4] checking data port %d ...", t.dataPort))
	if err := t.checkTCPPort(ctx); err != nil {
		t.emit(fmt.Sprintf("port check failed: host is up but port %d is closed or filtered", t.dataPort))
		return errors.Wrap(err, errors.ErrDiagnostic, "data port closed")
	}
	t.emit(fmt.Sprintf("port ok, data server is listening on %s:%d", t.host, t.dataPort))

	t.emit("[step 3/4] checking Moonraker service...")
	if err := t.checkMoonraker(ctx); err != nil {
		t.emit("Moonraker service is not responding")
		return errors.Wrap(err, errors.ErrDiagnostic, "moonraker unresponsive")
	}
	t.emit("Moonraker API is responding")

	t.emit("[step 4/4] querying Klipper state...")
	state, err := t.checkKlipper(ctx)
	if err != nil {
		t.emit(fmt.Sprintf("Klipper state check failed: %v", err))
		return errors.Wrap(err, errors.ErrDiagnostic, "klipper not ready")
	}
	t.emit(fmt.Sprintf("Klipper state is %q, all checks passed", state))
	return nil
}

// systemPing shells out to the platform ping binary, one echo request with a
// 2 second deadline. ICMP sockets need elevated privileges; the system binary
// does not.
func (t *Tester) systemPing(ctx context.Context, host string) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout+time.Second)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "ping", "-n", "1", "-w",
			strconv.Itoa(int(pingTimeout.Milliseconds())), host)
	} else {
		cmd = exec.CommandContext(ctx, "ping", "-c", "1", "-W",
			strconv.Itoa(int(pingTimeout.Seconds())), host)
	}
	return cmd.Run()
}

// checkTCPPort dials the data port and immediately closes the connection.
func (t *Tester) checkTCPPort(ctx context.Context) error {
	d := net.Dialer{Timeout: portTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(t.host, strconv.Itoa(t.dataPort)))
	if err != nil {
		return err
	}
	return conn.Close()
}

// checkMoonraker probes the /server/info endpoint; any 200 counts.
func (t *Tester) checkMoonraker(ctx context.Context) error {
	url := fmt.Sprintf("http://%s/server/info", net.JoinHostPort(t.host, strconv.Itoa(t.moonrakerPort)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// checkKlipper asks Moonraker for the webhooks object and requires its state
// to be "ready".
func (t *Tester) checkKlipper(ctx context.Context) (string, error) {
	url := fmt.Sprintf("http://%s/printer/objects/query?webhooks",
		net.JoinHostPort(t.host, strconv.Itoa(t.moonrakerPort)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Result struct {
			Status struct {
				Webhooks struct {
					State string `json:"state"`
				} `json:"webhooks"`
			} `json:"status"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	state := body.Result.Status.Webhooks.State
	if state != "ready" {
		return state, fmt.Errorf("klipper state is %q, want \"ready\"", state)
	}
	return state, nil
}
