// Package daemontest turns a test binary into a stand-in forwarding daemon
// and its control client, so launch, dispatch and teardown can be tested
// without the real forwarder.
//
// A test package calls RunIfHelper first thing in TestMain and points the
// launcher's binary at os.Args[0] with Env() appended to the environment.
package daemontest

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/signalsfoundry/satnet-emulator/internal/daemon"
)

const (
	helperEnv   = "SATNET_WANT_HELPER_PROCESS"
	failNodeEnv = "SATNET_FAKE_FAIL_NODE"
	failModeEnv = "SATNET_FAKE_FAIL_MODE"
)

// Failure modes for FailNode.
const (
	// ModeExit makes the daemon print a message and exit with status 3.
	ModeExit = "exit"
	// ModeHang makes the daemon run without ever opening its socket.
	ModeHang = "hang"
	// ModeStubborn makes the daemon ignore SIGTERM.
	ModeStubborn = "stubborn"
)

// Env returns the environment that activates the helper in a child.
func Env() []string { return []string{helperEnv + "=1"} }

// FailNode returns the environment that makes node's daemon misbehave.
func FailNode(node, mode string) []string {
	return []string{helperEnv + "=1", failNodeEnv + "=" + node, failModeEnv + "=" + mode}
}

// Binary is the path launchers should exec.
func Binary() string { return os.Args[0] }

// CommandsFile is where the fake daemon records the commands it served.
func CommandsFile(stateDir, node string) string {
	return filepath.Join(stateDir, node+".commands")
}

// RunIfHelper runs the fake and exits when the current process was started
// as a helper. Otherwise it returns immediately.
func RunIfHelper() {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	if len(os.Args) >= 3 && os.Args[1] == "daemon" {
		os.Exit(runDaemon(os.Args[2]))
	}
	os.Exit(runClient(os.Args[1:]))
}

func runDaemon(confPath string) int {
	conf, err := daemon.ReadConfig(confPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	node := path.Base(conf.DV.Router)
	sock := conf.FW.Faces.Unix.SocketPath
	fmt.Printf("fake daemon %s starting on %s\n", node, sock)

	mode := ""
	if os.Getenv(failNodeEnv) == node {
		mode = os.Getenv(failModeEnv)
	}
	switch mode {
	case ModeExit:
		fmt.Fprintf(os.Stderr, "%s: cannot bind udp port %d\n", node, conf.FW.Faces.UDP.PortUnicast)
		return 3
	case ModeHang:
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Hour)
		return 0
	case ModeStubborn:
		signal.Ignore(syscall.SIGTERM)
	}

	ln, err := net.Listen("unix", sock)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer ln.Close()
	record := CommandsFile(filepath.Dir(sock), node)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serve(conn, node, record)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs
	fmt.Printf("fake daemon %s stopping\n", node)
	return 0
}

func serve(conn net.Conn, node, record string) {
	defer conn.Close()
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	line = strings.TrimSpace(line)
	if f, err := os.OpenFile(record, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
		fmt.Fprintln(f, line)
		f.Close()
	}
	if strings.HasPrefix(line, "fail") {
		fmt.Fprintf(conn, "ERR %s: command failed\n", node)
		return
	}
	fmt.Fprintf(conn, "OK %s: %s\n", node, line)
}

// runClient mimics the forwarder's control CLI: it sends its arguments and
// any stdin to the daemon named by NDN_CLIENT_TRANSPORT and prints the
// reply.
func runClient(args []string) int {
	transport := os.Getenv("NDN_CLIENT_TRANSPORT")
	sock, ok := strings.CutPrefix(transport, "unix://")
	if !ok || sock == "" {
		fmt.Fprintln(os.Stderr, "client: NDN_CLIENT_TRANSPORT not set")
		return 2
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client: %v\n", err)
		return 1
	}
	defer conn.Close()

	line := strings.Join(args, " ")
	if st, err := os.Stdin.Stat(); err == nil && st.Mode()&os.ModeCharDevice == 0 {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			line += " <" + strings.TrimSpace(sc.Text()) + ">"
		}
	}
	fmt.Fprintln(conn, line)

	reply, _ := bufio.NewReader(conn).ReadString('\n')
	reply = strings.TrimSpace(reply)
	if strings.HasPrefix(reply, "ERR") {
		fmt.Fprintln(os.Stderr, reply)
		return 1
	}
	fmt.Println(reply)
	return 0
}
