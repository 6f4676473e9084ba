package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/v2/list"
	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/lipgloss/v2"

	"smda/internal/disasm"
	"smda/internal/report"
	"smda/internal/session"
	"smda/internal/smda/styles"
	"smda/internal/ui/colorize"
)

type viewMode int

const (
	viewSummary viewMode = iota
	viewFunctions
	viewListing
)

type functionItem struct {
	addr       uint64
	name       string
	insts      int
	failed     bool
	filterTerm string
}

func (i functionItem) Title() string       { return fmt.Sprintf("%x  %s", i.addr, i.name) }
func (i functionItem) Description() string { return "" }
func (i functionItem) FilterValue() string { return i.filterTerm }

type itemDelegate struct{}

func (d itemDelegate) Height() int                               { return 1 }
func (d itemDelegate) Spacing() int                              { return 0 }
func (d itemDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }

func (d itemDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(functionItem)
	if !ok {
		return
	}

	indicator := " "
	addrStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if index == m.Index() {
		indicator = ">"
		addrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	}
	nameStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	if i.failed {
		nameStyle = nameStyle.Foreground(lipgloss.Color(styles.StatusColor("partial_error")))
	}
	countStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	fmt.Fprintf(w, " %s  %s  %s  %s",
		indicator,
		addrStyle.Render(fmt.Sprintf("%x", i.addr)),
		nameStyle.Render(i.name),
		countStyle.Render(fmt.Sprintf("(%d)", i.insts)))
}

type model struct {
	session   *session.Disassembler
	path      string
	debugInfo string

	summary   viewport.Model
	listing   viewport.Model
	functions list.Model
	spinner   spinner.Model
	mode      viewMode

	analyzing bool
	outcome   *report.Outcome
	result    *disasm.Result
	err       error

	width  int
	height int
}

type analysisDoneMsg struct {
	outcome *report.Outcome
	result  *disasm.Result
	err     error
}

func analyzeCmd(d *session.Disassembler, path, debugInfo string) tea.Cmd {
	return func() tea.Msg {
		out, err := d.DisassembleFile(path, debugInfo)
		if err != nil {
			return analysisDoneMsg{err: err}
		}
		var res *disasm.Result
		if out.OK() {
			res, _ = d.Last()
		}
		return analysisDoneMsg{outcome: out, result: res}
	}
}

// NewModel returns the interactive browser for the analysis of path.
func NewModel(d *session.Disassembler, path, debugInfo string) model {
	summary := viewport.New()
	summary.SetWidth(80)
	summary.SetHeight(24)
	listing := viewport.New()
	listing.SetWidth(80)
	listing.SetHeight(24)

	functions := list.New([]list.Item{}, itemDelegate{}, 80, 24)
	functions.SetShowStatusBar(false)
	functions.SetFilteringEnabled(true)
	functions.Title = "Functions"
	functions.Styles.Title = lipgloss.NewStyle().
		Foreground(lipgloss.Color("99")).
		MarginLeft(2)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))

	m := model{
		session:   d,
		path:      path,
		debugInfo: debugInfo,
		summary:   summary,
		listing:   listing,
		functions: functions,
		spinner:   s,
		mode:      viewSummary,
		analyzing: true,
		width:     80,
		height:    24,
	}
	m.updateSummary()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		analyzeCmd(m.session, m.path, m.debugInfo),
		m.spinner.Tick,
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case analysisDoneMsg:
		m.analyzing = false
		m.outcome, m.result, m.err = msg.outcome, msg.result, msg.err
		m.updateFunctions()
		m.updateSummary()
		return m, nil

	case spinner.TickMsg:
		if !m.analyzing {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(msg)
		m.updateSummary()
		return m, cmd

	case tea.WindowSizeMsg:
		if msg.Width != m.width || msg.Height != m.height {
			m.width, m.height = msg.Width, msg.Height
			m.summary.SetWidth(msg.Width)
			m.summary.SetHeight(msg.Height - 2)
			m.listing.SetWidth(msg.Width)
			m.listing.SetHeight(msg.Height - 2)
			m.functions.SetWidth(msg.Width)
			m.functions.SetHeight(msg.Height - 2)
			m.updateSummary()
		}

	case tea.KeyMsg:
		if m.mode == viewFunctions && m.functions.FilterState() == list.Filtering {
			if msg.String() == "ctrl+c" {
				return m, tea.Quit
			}
			break
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "s":
			m.mode = viewSummary
			return m, nil
		case "f":
			if m.hasFunctions() {
				m.mode = viewFunctions
			}
			return m, nil
		case "enter":
			if m.mode == viewFunctions {
				if item, ok := m.functions.SelectedItem().(functionItem); ok {
					m.showListing(item.addr)
				}
			}
			return m, nil
		case "tab":
			m.cycle(1)
			return m, nil
		case "shift+tab":
			m.cycle(-1)
			return m, nil
		}
	}

	switch m.mode {
	case viewFunctions:
		m.functions, cmd = m.functions.Update(msg)
	case viewListing:
		m.listing, cmd = m.listing.Update(msg)
	default:
		m.summary, cmd = m.summary.Update(msg)
	}
	return m, cmd
}

func (m *model) cycle(step int) {
	if !m.hasFunctions() {
		m.mode = viewSummary
		return
	}
	m.mode = viewMode((int(m.mode) + step + 3) % 3)
}

func (m model) hasFunctions() bool {
	return m.result != nil && len(m.result.Functions) > 0
}

func (m model) View() string {
	var content, menu string
	switch m.mode {
	case viewFunctions:
		content = m.functions.View()
		menu = " Enter: listing • S: summary • Tab: cycle • Q: quit "
	case viewListing:
		content = m.listing.View()
		menu = " F: functions • S: summary • Tab: cycle • Q: quit "
	default:
		content = m.summary.View()
		if m.hasFunctions() {
			menu = " F: functions • Tab: cycle • Q: quit "
		} else {
			menu = " Q: quit "
		}
	}

	menuStyle := lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Foreground(lipgloss.Color("252")).
		Padding(0, 1).
		Width(m.width)

	return content + "\n" + menuStyle.Render(menu)
}

func (m *model) updateSummary() {
	var markdown string
	switch {
	case m.analyzing:
		markdown = fmt.Sprintf("# smda\n\n```\n; %s\n```\n\n%s Analysing...", displayName(m.path), m.spinner.View())
	case m.err != nil:
		markdown = fmt.Sprintf("# smda\n\n```\n; %s\n```\n\n**%s**", displayName(m.path), m.err)
	default:
		markdown = summaryMarkdown(displayName(m.path), m.outcome, m.result)
	}

	width := m.width
	if width == 0 {
		width = 80
	}
	renderer, err := styles.MarkdownRenderer(width-2, false)
	if err != nil {
		m.summary.SetContent(markdown)
		return
	}
	rendered, _ := renderer.Render(markdown)
	m.summary.SetContent(strings.TrimSuffix(rendered, "\n"))
}

func (m *model) updateFunctions() {
	if m.result == nil {
		return
	}
	fns := m.result.SortedFunctions()
	items := make([]list.Item, 0, len(fns))
	for _, fn := range fns {
		name := fn.DisplayName()
		items = append(items, functionItem{
			addr:       fn.Addr,
			name:       name,
			insts:      fn.NumInstructions(),
			failed:     fn.Failed,
			filterTerm: fmt.Sprintf("%x %s", fn.Addr, name),
		})
	}
	m.functions.SetItems(items)
	m.functions.Title = fmt.Sprintf("Functions (%d total)", len(items))
}

func (m *model) showListing(addr uint64) {
	fn, ok := m.result.Functions[addr]
	if !ok {
		return
	}
	m.listing.SetContent(colorize.Function(fn, m.result.Architecture))
	m.listing.GotoTop()
	m.mode = viewListing
}
