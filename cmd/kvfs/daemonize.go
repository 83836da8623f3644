// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// daemonStatusEnv, when set, marks this process as the re-exec'd child and
// names the inherited fd it should report its mount outcome on. gcsfuse's
// own legacy_main.go re-execs itself the same way when --foreground=false,
// except it hands the handshake off to github.com/jacobsa/daemonize; that
// dependency's pipe protocol is specific to its own flag set, so here the
// handshake is rolled directly with os.StartProcess + os.Pipe instead (see
// DESIGN.md).
const daemonStatusEnv = "KVFS_DAEMON_STATUS_FD"

// daemonChild reports whether this process is the re-exec'd background
// child, and if so the fd it should write its mount outcome to.
func daemonChild() (fd int, ok bool) {
	v, present := os.LookupEnv(daemonStatusEnv)
	if !present {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// reportOutcome writes a single handshake line to the status fd inherited
// from the parent: "OK" once the mount has succeeded and it is safe for
// the parent to exit 0, or "ERR <code> <message>" if the mount failed
// before reaching that point.
func reportOutcome(fd int, err error) {
	f := os.NewFile(uintptr(fd), "daemon-status")
	if f == nil {
		return
	}
	defer f.Close()
	if err == nil {
		fmt.Fprintln(f, "OK")
		return
	}
	fmt.Fprintf(f, "ERR %d %s\n", exitCode(err), strings.ReplaceAll(err.Error(), "\n", " "))
}

// daemonize re-execs the current binary with --foreground, inheriting a
// pipe the child uses to report whether the mount succeeded. In the parent
// it returns nil once the child reports OK, or a cliError carrying the
// child's exit code otherwise, which Execute turns into the process exit
// status. Called from within the already-daemonized child it returns nil.
func daemonize() error {
	if _, ok := daemonChild(); ok {
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return exitErr(exitInternal, fmt.Errorf("os.Executable: %w", err))
	}

	r, w, err := os.Pipe()
	if err != nil {
		return exitErr(exitInternal, fmt.Errorf("os.Pipe: %w", err))
	}
	defer r.Close()

	args := append([]string{"--foreground"}, os.Args[1:]...)
	env := append(os.Environ(), fmt.Sprintf("%s=3", daemonStatusEnv))

	proc, err := os.StartProcess(exe, append([]string{exe}, args...), &os.ProcAttr{
		Env:   env,
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr, w},
	})
	w.Close()
	if err != nil {
		return exitErr(exitInternal, fmt.Errorf("os.StartProcess: %w", err))
	}

	line, readErr := bufio.NewReader(r).ReadString('\n')
	line = strings.TrimSpace(line)
	switch {
	case readErr != nil || line == "":
		return exitErr(exitInternal, fmt.Errorf("daemon child %d exited before reporting its mount outcome", proc.Pid))
	case line == "OK":
		fmt.Fprintf(os.Stdout, "mounted successfully as background process %d\n", proc.Pid)
		return nil
	case strings.HasPrefix(line, "ERR "):
		fields := strings.SplitN(line, " ", 3)
		code := exitInternal
		if len(fields) >= 2 {
			if n, err := strconv.Atoi(fields[1]); err == nil {
				code = n
			}
		}
		msg := ""
		if len(fields) == 3 {
			msg = fields[2]
		}
		return exitErr(code, fmt.Errorf("%s", msg))
	default:
		return exitErr(exitInternal, fmt.Errorf("unrecognized daemon handshake line %q", line))
	}
}
