package tui

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// ---- Select (bubbletea, type to filter) ----

// Option is one row of a Select list.
type Option struct {
	Label  string
	Detail string
}

type selectModel struct {
	prompt   string
	options  []Option
	filter   string
	visible  []int // indexes into options matching filter
	cursor   int   // position in visible
	selected int   // index into options, -1 until chosen
	quitting bool
}

func newSelectModel(prompt string, options []Option) selectModel {
	m := selectModel{prompt: prompt, options: options, selected: -1}
	m.refilter()
	return m
}

func (m *selectModel) refilter() {
	needle := strings.ToLower(m.filter)
	vis := make([]int, 0, len(m.options))
	for i, o := range m.options {
		if needle == "" || strings.Contains(strings.ToLower(o.Label+" "+o.Detail), needle) {
			vis = append(vis, i)
		}
	}
	m.visible = vis
	if m.cursor >= len(vis) {
		m.cursor = max(len(vis)-1, 0)
	}
}

func (m selectModel) Init() tea.Cmd { return nil }

func (m selectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	k, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch k.Type {
	case tea.KeyUp, tea.KeyCtrlP:
		if m.cursor > 0 {
			m.cursor--
		}
	case tea.KeyDown, tea.KeyCtrlN:
		if m.cursor < len(m.visible)-1 {
			m.cursor++
		}
	case tea.KeyEnter:
		if len(m.visible) > 0 {
			m.selected = m.visible[m.cursor]
			return m, tea.Quit
		}
	case tea.KeyEsc, tea.KeyCtrlC:
		m.quitting = true
		return m, tea.Quit
	case tea.KeyBackspace:
		if r := []rune(m.filter); len(r) > 0 {
			m.filter = string(r[:len(r)-1])
			m.refilter()
		}
	case tea.KeyRunes:
		s := string(k.Runes)
		// Digits jump while no filter is typed.
		if m.filter == "" && len(k.Runes) == 1 && k.Runes[0] >= '1' && k.Runes[0] <= '9' {
			if n := int(k.Runes[0] - '0'); n <= len(m.visible) {
				m.selected = m.visible[n-1]
				return m, tea.Quit
			}
			return m, nil
		}
		if strings.IndexFunc(s, unicode.IsPrint) >= 0 {
			m.filter += s
			m.refilter()
		}
	}
	return m, nil
}

func (m selectModel) View() string {
	var b strings.Builder
	if m.prompt != "" {
		b.WriteString(m.prompt + "\n")
	}
	if m.filter != "" {
		b.WriteString(LabelStyle.Render("  filter: ") + m.filter + "\n")
	}

	cursorStyle := lipgloss.NewStyle().Foreground(T.Primary).Bold(true)
	width := 0
	for _, i := range m.visible {
		width = max(width, len(m.options[i].Label))
	}

	for pos, i := range m.visible {
		o := m.options[i]
		label := fmt.Sprintf("%-*s", width, o.Label)
		detail := LabelStyle.Render(o.Detail)
		num := LabelStyle.Render(fmt.Sprintf(" %d ", pos+1))
		if pos > 8 || m.filter != "" {
			num = "   "
		}
		if pos == m.cursor {
			fmt.Fprintf(&b, "%s%s%s  %s\n", cursorStyle.Render("> "), num, cursorStyle.Render(label), detail)
		} else {
			fmt.Fprintf(&b, "  %s%s  %s\n", num, label, detail)
		}
	}
	if len(m.visible) == 0 {
		b.WriteString(LabelStyle.Render("  no match") + "\n")
	}

	b.WriteString(HelpStyle.Render("\n  ↑↓ move · type to filter · enter select · esc cancel") + "\n")
	return b.String()
}

// Select shows options and returns the index of the chosen one. Cancelling
// is an error.
func Select(prompt string, options []Option) (int, error) {
	if len(options) == 0 {
		return 0, fmt.Errorf("no options provided")
	}

	final, err := tea.NewProgram(newSelectModel(prompt, options), tea.WithOutput(out)).Run()
	if err != nil {
		return 0, fmt.Errorf("select: %w", err)
	}
	m := final.(selectModel)
	if m.quitting || m.selected < 0 {
		return 0, fmt.Errorf("selection cancelled")
	}
	return m.selected, nil
}

// ---- Confirm (bubbletea) ----

type confirmModel struct {
	prompt   string
	danger   bool // y only moves the cursor; Yes needs enter
	cursor   int  // 0 = yes, 1 = no
	result   bool
	quitting bool
}

func (m confirmModel) Init() tea.Cmd { return nil }

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	k, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch k.String() {
	case "left", "right", "h", "l", "tab":
		m.cursor = 1 - m.cursor
	case "y", "Y":
		if m.danger {
			m.cursor = 0
			return m, nil
		}
		m.result = true
		return m, tea.Quit
	case "n", "N":
		m.result = false
		return m, tea.Quit
	case "enter":
		m.result = m.cursor == 0
		return m, tea.Quit
	case "q", "ctrl+c", "esc":
		m.quitting = true
		m.result = false
		return m, tea.Quit
	}
	return m, nil
}

func (m confirmModel) View() string {
	accent := T.Primary
	prompt := m.prompt
	if m.danger {
		accent = T.Loss
		prompt = lipgloss.NewStyle().Foreground(T.Loss).Bold(true).Render(prompt)
	}
	idle := lipgloss.NewStyle().Foreground(T.Muted)
	active := lipgloss.NewStyle().Foreground(accent).Bold(true).Underline(true)

	yes, no := idle.Render("Yes"), active.Render("No")
	if m.cursor == 0 {
		yes, no = active.Render("Yes"), idle.Render("No")
	}
	help := "  ←→ toggle · y/n · enter confirm"
	if m.danger {
		help = "  ←→ toggle · enter confirm · n cancel"
	}
	return fmt.Sprintf("%s [%s / %s]%s\n", prompt, yes, no, HelpStyle.Render(help))
}

func runConfirm(m confirmModel) (bool, error) {
	final, err := tea.NewProgram(m, tea.WithOutput(out)).Run()
	if err != nil {
		return false, fmt.Errorf("confirm: %w", err)
	}
	c := final.(confirmModel)
	return c.result && !c.quitting, nil
}

// Confirm asks a yes/no question. The cursor starts on defaultYes.
func Confirm(prompt string, defaultYes bool) (bool, error) {
	m := confirmModel{prompt: prompt, cursor: 1}
	if defaultYes {
		m.cursor = 0
	}
	return runConfirm(m)
}

// ConfirmLive asks before an action with real money behind it. The cursor
// starts on No and a bare y does not confirm.
func ConfirmLive(prompt string) (bool, error) {
	return runConfirm(confirmModel{prompt: prompt, danger: true, cursor: 1})
}

// ---- Line input (readline-based) ----

// Prompts go to stderr so --json output on stdout stays parseable. One
// reader is shared so consecutive prompts never drop buffered input.
var (
	in  = bufio.NewReader(os.Stdin)
	out io.Writer = os.Stderr
)

func readLine(prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	s, err := in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || s == "") {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

// TextInput reads a line of text from stdin.
func TextInput(prompt string) (string, error) {
	return readLine(prompt)
}

// SecretInput reads a line without echo. Piped stdin is read as plain text
// so credentials can be scripted.
func SecretInput(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine(prompt)
	}
	fmt.Fprint(out, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// FloatInput reads a positive quantity, returning defaultVal on empty input.
func FloatInput(prompt string, defaultVal float64) (float64, error) {
	input, err := readLine(fmt.Sprintf("%s [%s]: ", prompt, strconv.FormatFloat(defaultVal, 'f', -1, 64)))
	if err != nil {
		return 0, err
	}
	return parseFloatInput(input, defaultVal)
}

func parseFloatInput(input string, defaultVal float64) (float64, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(input, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid quantity: %q", input)
	}
	return f, nil
}
