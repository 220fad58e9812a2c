// cmd/etch/main.go
//
// etch is the demo embedder for the ETCH virtual machine: it loads a
// compiled .etchc file, runs it, and optionally runs it under the
// interactive debugger or the replay recorder. The frontend that
// produces bytecode files is an external collaborator; this binary
// exercises the VM side of the pipeline.
package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"etch/internal/bytecodefile"
	"etch/internal/cffi"
	"etch/internal/debugger"
	"etch/internal/replay"
	"etch/internal/vm"
)

const VERSION = "1.0.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		showUsage()
		return
	}

	switch args[0] {
	case "run":
		if len(args) < 2 {
			fatal("usage: etch run <file.etchc> [seed]")
		}
		runFile(args[1], seedFrom(args))
	case "debug":
		if len(args) < 2 {
			fatal("usage: etch debug <file.etchc> [--mirror addr]")
		}
		debugFile(args[1], mirrorAddr(args))
	case "record":
		if len(args) < 3 {
			fatal("usage: etch record <file.etchc> <session.etchr>")
		}
		recordFile(args[1], args[2], seedFrom(args))
	case "inspect":
		if len(args) < 2 {
			fatal("usage: etch inspect <session.etchr>")
		}
		inspectSession(args[1])
	case "version":
		fmt.Printf("etch %s\n", VERSION)
	default:
		showUsage()
		os.Exit(2)
	}
}

func showUsage() {
	fmt.Println("ETCH virtual machine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  etch run <file.etchc> [seed]          execute a bytecode file")
	fmt.Println("  etch debug <file.etchc>               run under the interactive debugger")
	fmt.Println("  etch record <file.etchc> <out.etchr>  run while recording a replay session")
	fmt.Println("  etch inspect <session.etchr>          summarize a recorded session")
	fmt.Println("  etch version")
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func seedFrom(args []string) int64 {
	for _, a := range args[2:] {
		if n, err := strconv.ParseInt(a, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func mirrorAddr(args []string) string {
	for i, a := range args {
		if a == "--mirror" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func loadProgram(path string) *vm.Program {
	prog, err := bytecodefile.ReadFile(path)
	if err != nil {
		fatal("etch: %v", err)
	}
	return prog
}

// newRegistry registers the program's foreign functions. Resolution
// failures are diagnostics, not fatal: a program that never calls the
// unresolved symbol still runs.
func newRegistry(prog *vm.Program) *cffi.Registry {
	registry := cffi.NewRegistry()
	for _, desc := range prog.CFFI {
		if desc.ResolvedPath == "" {
			desc.ResolvedPath = desc.LibraryName
		}
		if err := registry.Register(desc); err != nil {
			fmt.Fprintf(os.Stderr, "etch: %v\n", err)
		}
	}
	return registry
}

func runFile(path string, seed int64) {
	prog := loadProgram(path)
	machine := vm.New(prog, newRegistry(prog), vm.Options{Seed: seed})
	exitWith(machine, machine.Execute())
}

func recordFile(path, sessionPath string, seed int64) {
	prog := loadProgram(path)
	machine := vm.New(prog, newRegistry(prog), vm.Options{Seed: seed})
	rec := replay.NewRecorder(machine, replay.DefaultSnapshotInterval)

	status := machine.Execute()
	if err := rec.WriteSessionFile(sessionPath, prog.SourceFile); err != nil {
		fatal("etch: write session: %v", err)
	}
	fmt.Fprintf(os.Stderr, "etch: recorded %d statements (%d snapshots) in %s\n",
		rec.TotalStatements(), len(rec.Snapshots()),
		rec.Duration().Round(time.Millisecond))
	exitWith(machine, status)
}

func inspectSession(path string) {
	f, err := os.Open(path)
	if err != nil {
		fatal("etch: %v", err)
	}
	defer f.Close()
	info, _ := f.Stat()

	session, err := replay.ReadSession(f)
	if err != nil {
		fatal("etch: %v", err)
	}
	fmt.Printf("source:     %s\n", session.SourceFile)
	fmt.Printf("statements: %d\n", session.TotalStatements)
	fmt.Printf("interval:   every %d statements\n", session.Interval)
	fmt.Printf("duration:   %s\n", session.Duration.Round(time.Millisecond))
	fmt.Printf("snapshots:  %d\n", len(session.Snapshots))
	if info != nil {
		fmt.Printf("size:       %s\n", humanize.Bytes(uint64(info.Size())))
	}
	for _, snap := range session.Snapshots {
		fmt.Printf("  @%-6d %s:%d  frames=%d globals=%d  (%s)\n",
			snap.StmtIdx, snap.File, snap.Line,
			len(snap.Frames), len(snap.Globals),
			humanize.Time(snap.Timestamp))
	}
}

func exitWith(machine *vm.VM, status vm.Status) {
	switch status {
	case vm.StatusOK:
		os.Exit(0)
	case vm.StatusPaused:
		// A run without a debugger never pauses; treat as fatal.
		fatal("etch: vm paused without a debugger attached")
	default:
		if err := machine.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		os.Exit(int(status))
	}
}

// debugFile drives a minimal interactive session: the VM pauses
// between instructions, this loop reads commands, and Execute re-enters
// until the program finishes.
func debugFile(path, mirror string) {
	prog := loadProgram(path)
	color := isatty.IsTerminal(os.Stdout.Fd())
	// Debug sessions bypass the stdout buffer so program output lands
	// between prompts in order.
	machine := vm.New(prog, newRegistry(prog), vm.Options{
		Sink: func(line string) { fmt.Println(line) },
	})
	dbg := debugger.New(machine)

	if mirror != "" {
		broadcaster := debugger.NewEventBroadcaster()
		dbg.SetBroadcaster(broadcaster)
		go func() {
			if err := http.ListenAndServe(mirror, broadcaster); err != nil {
				fmt.Fprintf(os.Stderr, "etch: mirror: %v\n", err)
			}
		}()
	}

	reader := bufio.NewReader(os.Stdin)
	dbg.StepInto() // pause on the first line

	for {
		status := machine.Execute()
		if status != vm.StatusPaused {
			exitWith(machine, status)
		}

		file, line := dbg.Location()
		printLocation(file, line, color)
		if !promptLoop(reader, dbg, color) {
			return
		}
	}
}

func printLocation(file string, line int, color bool) {
	if color {
		fmt.Printf("\x1b[33m-> %s:%d\x1b[0m\n", file, line)
	} else {
		fmt.Printf("-> %s:%d\n", file, line)
	}
}

// promptLoop handles commands until one resumes execution. Returning
// false quits the session.
func promptLoop(reader *bufio.Reader, dbg *debugger.Debugger, color bool) bool {
	for {
		fmt.Print("(etch) ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		fields := strings.Fields(input)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "c", "continue":
			dbg.Continue()
			return true
		case "s", "step":
			dbg.StepInto()
			return true
		case "n", "next":
			dbg.StepOver()
			return true
		case "o", "out":
			dbg.StepOut()
			return true
		case "b", "break":
			if len(fields) != 3 {
				fmt.Println("usage: break <file> <line>")
				continue
			}
			line, err := strconv.Atoi(fields[2])
			if err != nil {
				fmt.Println("usage: break <file> <line>")
				continue
			}
			id := dbg.AddBreakpoint(fields[1], line)
			fmt.Printf("breakpoint %s set at %s:%d\n", id, fields[1], line)
		case "bt", "stack":
			for i, frame := range dbg.CallStack() {
				fmt.Println(debugger.FormatFrame(i, frame))
			}
		case "v", "vars":
			for _, v := range dbg.Variables() {
				fmt.Printf("  %s (r%d) = %s\n", v.Name, v.Register, v.Value)
			}
		case "q", "quit":
			dbg.Terminate()
			return false
		default:
			fmt.Println("commands: continue step next out break bt vars quit")
		}
	}
}
