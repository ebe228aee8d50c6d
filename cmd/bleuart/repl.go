package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/internal/groutine"
	"github.com/srg/bleuart/scanner"
	"github.com/srg/bleuart/session"
	"github.com/srg/bleuart/tester"
)

var (
	rxColor   = color.New(color.FgGreen).SprintFunc()
	txColor   = color.New(color.FgYellow).SprintFunc()
	errColor  = color.New(color.FgRed).SprintFunc()
	infoColor = color.New(color.FgHiBlack).SprintFunc()
)

const replHelp = `Commands:
  /scan [duration]       scan and list devices
  /list                  list devices from the last scan
  /connect <#|address>   connect to a listed device or an address
  /disconnect            close the current session
  /hex <bytes>           send raw bytes, e.g. /hex 01 ff 7e
  /log                   show and clear the activity log
  /status                show the current session
  /quit                  exit
Any other line is sent as text. Start a line with // to send a leading '/'.
`

// repl is the interactive loop of the connect command. Lines starting with
// '/' are commands; everything else is sent to the connected peripheral.
type repl struct {
	t        *tester.Tester
	scanOpts *scanner.ScanOptions
	eol      string
	prompt   bool

	mu  sync.Mutex // serializes output from the loop and the listeners
	out io.Writer

	// generation of the list the user last saw; numeric connects resolve against it
	listedGen   uint64
	unsubscribe func()
}

func newREPL(t *tester.Tester, out io.Writer, scanOpts *scanner.ScanOptions, eol string, prompt bool) *repl {
	r := &repl{
		t:        t,
		out:      out,
		scanOpts: scanOpts,
		eol:      eol,
		prompt:   prompt,
	}
	t.OnNotification(r.printNotification)
	r.unsubscribe = t.OnSessionClosed(r.printClosed)
	return r
}

// Close detaches the REPL's listeners from the tester.
func (r *repl) Close() {
	r.t.OnNotification(nil)
	r.unsubscribe()
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *repl) fail(err error) {
	r.printf("%s %s\n", errColor("error:"), FormatUserError(err))
}

func (r *repl) printNotification(evt device.NotificationEvent) {
	r.printf("%s %s\n", rxColor("<<"), formatPayload(evt.Data))
}

func (r *repl) printClosed(evt session.ClosedEvent) {
	msg := fmt.Sprintf("-- disconnected from %s (%s)", evt.Peripheral.DisplayName(), evt.Reason)
	if evt.Err != nil {
		msg += ": " + FormatUserError(evt.Err)
	}
	r.printf("%s\n", infoColor(msg))
}

// Run reads commands from in until /quit, end of input or ctx is cancelled.
func (r *repl) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	groutine.Go(ctx, "repl-reader", func(ctx context.Context) {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	})

	for {
		if r.prompt {
			r.printf("> ")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case line := <-lines:
			if r.Execute(ctx, line) {
				return nil
			}
		}
	}
}

// Execute runs one input line and reports whether the user asked to quit.
func (r *repl) Execute(ctx context.Context, line string) (quit bool) {
	line = strings.TrimRight(line, "\r")
	switch {
	case strings.TrimSpace(line) == "":
		return false
	case strings.HasPrefix(line, "//"):
		r.send(ctx, []byte(line[1:]+r.eol))
		return false
	case !strings.HasPrefix(line, "/"):
		r.send(ctx, []byte(line+r.eol))
		return false
	}

	name, arg, _ := strings.Cut(strings.TrimSpace(line[1:]), " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "help", "?":
		r.printf("%s", replHelp)
	case "scan":
		r.scan(ctx, arg)
	case "list", "ls":
		r.list()
	case "connect", "c":
		r.connect(ctx, arg)
	case "disconnect", "d":
		if err := r.t.Disconnect(ctx); err != nil {
			r.fail(err)
		}
	case "hex", "x":
		data, err := parseHex(arg)
		if err != nil {
			r.fail(err)
			return false
		}
		r.send(ctx, data)
	case "log":
		r.log()
	case "status":
		r.status()
	case "quit", "exit", "q":
		return true
	default:
		r.printf("%s unknown command /%s (try /help)\n", errColor("error:"), name)
	}
	return false
}

func (r *repl) send(ctx context.Context, data []byte) {
	if err := r.t.SendMessage(ctx, data); err != nil {
		r.fail(err)
		return
	}
	r.printf("%s %s\n", txColor(">>"), formatPayload(data))
}

func (r *repl) scan(ctx context.Context, arg string) {
	opts := *r.scanOpts
	if arg != "" {
		d, err := time.ParseDuration(arg)
		if err != nil || d <= 0 {
			r.printf("%s invalid scan duration %q\n", errColor("error:"), arg)
			return
		}
		opts.Duration = d
	}

	if _, err := scanWithProgress(ctx, r.t, &opts, r.out, false); err != nil {
		r.fail(err)
		return
	}
	r.list()
}

func (r *repl) list() {
	gen, refs := r.t.Generation(), r.t.ListDiscovered()
	r.listedGen = gen

	r.mu.Lock()
	err := writeDeviceTable(r.out, refs)
	r.mu.Unlock()
	if err != nil {
		r.fail(err)
	}
}

func (r *repl) connect(ctx context.Context, arg string) {
	if arg == "" {
		r.printf("%s usage: /connect <#|address>\n", errColor("error:"))
		return
	}

	var (
		sess *session.Session
		err  error
	)
	if idx, convErr := strconv.Atoi(arg); convErr == nil {
		sess, err = r.t.ConnectAt(ctx, r.listedGen, idx)
	} else {
		sess, err = r.t.ConnectAddress(ctx, arg)
	}
	if err != nil {
		r.fail(err)
		return
	}

	ref := sess.Peripheral()
	r.printf("%s\n", infoColor(fmt.Sprintf("-- connected to %s (%s), session %s", ref.DisplayName(), ref.Address, sess.ID())))
}

func (r *repl) log() {
	entries := r.t.Transcript()
	if len(entries) == 0 {
		r.printf("(log is empty)\n")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		line := e.String()
		if e.Data != nil {
			line = fmt.Sprintf("%s  [% x]", line, e.Data)
		}
		fmt.Fprintln(r.out, line)
	}
	if stats := r.t.Stats(); stats.TranscriptOverwritten > 0 {
		fmt.Fprintf(r.out, "(%d older entries were overwritten)\n", stats.TranscriptOverwritten)
	}
}

func (r *repl) status() {
	sess := r.t.CurrentSession()
	if sess == nil {
		r.printf("not connected\n")
		return
	}
	ref := sess.Peripheral()
	r.printf("connected to %s (%s), session %s, %s\n", ref.DisplayName(), ref.Address, sess.ID(), sess.State())
}
