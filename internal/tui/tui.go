package tui

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haiphen/tradegate/internal/broker"
)

// Spinner displays an animated spinner with a message.
type Spinner struct {
	w       io.Writer
	msg     string
	stop    chan struct{}
	stopped chan struct{}
	mu      sync.Mutex
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// NewSpinner creates and starts a spinner with the given message.
func NewSpinner(msg string) *Spinner {
	s := &Spinner{
		w:       os.Stderr,
		msg:     msg,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Spinner) run() {
	defer close(s.stopped)
	i := 0
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			// Clear the spinner line.
			fmt.Fprintf(s.w, "\r%s\r", strings.Repeat(" ", len(s.msg)+4))
			return
		case <-ticker.C:
			s.mu.Lock()
			frame := spinnerFrames[i%len(spinnerFrames)]
			fmt.Fprintf(s.w, "\r%s %s", C(Cyan, frame), s.msg)
			s.mu.Unlock()
			i++
		}
	}
}

// Update changes the spinner message while running.
func (s *Spinner) Update(msg string) {
	s.mu.Lock()
	s.msg = msg
	s.mu.Unlock()
}

// Stop stops the spinner and clears the line.
func (s *Spinner) Stop() {
	select {
	case <-s.stop:
		return // already stopped
	default:
		close(s.stop)
	}
	<-s.stopped
}

// Success stops the spinner and prints a success message.
func (s *Spinner) Success(msg string) {
	s.Stop()
	fmt.Fprintf(s.w, "%s %s\n", C(Green, "✓"), msg)
}

// Fail stops the spinner and prints a failure message.
func (s *Spinner) Fail(msg string) {
	s.Stop()
	fmt.Fprintf(s.w, "%s %s\n", C(Red, "✗"), msg)
}

// ModeBanner warns when orders will reach a live account.
func ModeBanner(w io.Writer, brokerID string, paper bool) {
	if paper {
		fmt.Fprintf(w, "  %s\n\n", C(Yellow+Bold, "PAPER  "+brokerID+" uses a sandbox account"))
		return
	}
	fmt.Fprintln(w, WarnBoxStyle.Render("LIVE TRADING: orders on "+brokerID+" move real money"))
	fmt.Fprintln(w)
}

// OrderSummary renders the order about to be sent inside a box.
func OrderSummary(brokerID string, p broker.TradeParams) string {
	var b strings.Builder
	row := func(label, value string) {
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render(fmt.Sprintf("%-12s", label)), value)
	}
	row("Broker", brokerID)
	row("Symbol", p.Symbol)
	row("Side", strings.ToUpper(string(p.Side)))
	row("Quantity", strconv.FormatFloat(p.Quantity, 'f', -1, 64))
	if p.StopLoss > 0 {
		row("Stop loss", strconv.FormatFloat(p.StopLoss, 'f', -1, 64))
	}
	if p.TakeProfit > 0 {
		row("Take profit", strconv.FormatFloat(p.TakeProfit, 'f', -1, 64))
	}
	return BoxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// TableRow prints a key-value pair with aligned formatting.
func TableRow(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %-16s %s\n", C(Gray, label+":"), value)
}

// Header prints a styled section header.
func Header(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s\n", C(Bold, title))
	fmt.Fprintln(w, C(Gray, strings.Repeat("━", len(title)+2)))
}

// StatusIcon returns a colored status indicator.
func StatusIcon(status string) string {
	switch strings.ToLower(status) {
	case "filled", "active", "success", "connected":
		return C(Green, "●")
	case "pending_new", "accepted", "pending":
		return C(Yellow, "●")
	case "canceled", "cancelled", "expired", "error", "rejected", "disconnected":
		return C(Red, "●")
	case "partially_filled", "partial":
		return C(Cyan, "●")
	default:
		return C(Gray, "●")
	}
}

// FormatMoney formats a float as a colored dollar amount with thousands
// separators.
func FormatMoney(amount float64) string {
	if amount >= 0 {
		return C(Green, FormatMoneyPlain(amount))
	}
	return C(Red, FormatMoneyPlain(amount))
}

// FormatMoneyPlain formats a float as a dollar amount without color.
func FormatMoneyPlain(amount float64) string {
	sign := ""
	if amount < 0 {
		sign, amount = "-", -amount
	}
	s := strconv.FormatFloat(amount, 'f', 2, 64)
	whole, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + "$" + b.String() + "." + frac
}
