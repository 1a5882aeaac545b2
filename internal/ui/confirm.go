package ui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	promptTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.AdaptiveColor{Light: "#7D56F4", Dark: "#AD8EE6"})

	promptSelectedStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.AdaptiveColor{Light: "#00AA00", Dark: "#00FF00"})

	promptUnselectedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"})

	promptDimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#999999", Dark: "#666666"})
)

// ConfirmModel is a yes/no prompt driven by the arrow keys.
type ConfirmModel struct {
	question    string
	description string
	selected    bool // true = Yes
	confirmed   bool
	cancelled   bool
}

func NewConfirm(question, description string, defaultYes bool) ConfirmModel {
	return ConfirmModel{
		question:    question,
		description: description,
		selected:    defaultYes,
	}
}

func (m ConfirmModel) Init() tea.Cmd {
	return nil
}

func (m ConfirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "left", "h", "y", "Y":
			m.selected = true
		case "right", "l", "n", "N":
			m.selected = false
		case "tab":
			m.selected = !m.selected
		case "enter":
			m.confirmed = true
			return m, tea.Quit
		case "ctrl+c", "esc", "q":
			m.cancelled = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m ConfirmModel) View() string {
	var b strings.Builder
	b.WriteString(promptTitleStyle.Render("? "+m.question) + "\n")
	if m.description != "" {
		b.WriteString(promptDimStyle.Render("  "+m.description) + "\n")
	}

	yes, no := promptUnselectedStyle.Render("  Yes"), promptUnselectedStyle.Render("  No")
	if m.selected {
		yes = promptSelectedStyle.Render("❯ Yes")
	} else {
		no = promptSelectedStyle.Render("❯ No")
	}
	b.WriteString("\n" + yes + "    " + no + "\n\n")
	b.WriteString(promptDimStyle.Render("  ← → to select • enter to confirm • esc to cancel"))
	return b.String()
}

// Result returns the answer; cancelling counts as No.
func (m ConfirmModel) Result() bool {
	return m.selected && m.confirmed && !m.cancelled
}

// Confirm asks question on the terminal.
func Confirm(question, description string, defaultYes bool) (bool, error) {
	model, err := tea.NewProgram(NewConfirm(question, description, defaultYes)).Run()
	if err != nil {
		return false, err
	}
	return model.(ConfirmModel).Result(), nil
}
