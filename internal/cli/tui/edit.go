package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ccheshirecat/vmdeck/internal/fleet/dispatch"
)

const (
	fieldMemory = iota
	fieldVCPUs
	fieldDisk
	fieldCount
)

// editDialog collects new resource values for one VM.
type editDialog struct {
	form   *dispatch.EditForm
	inputs [fieldCount]textinput.Model
	focus  int
	err    error
}

func newEditDialog(form *dispatch.EditForm) *editDialog {
	d := &editDialog{form: form}
	for i := range d.inputs {
		in := textinput.New()
		in.Prompt = ""
		in.CharLimit = 256
		d.inputs[i] = in
	}
	d.inputs[fieldMemory].SetValue(strconv.Itoa(form.Current.MemoryMB))
	d.inputs[fieldMemory].Placeholder = "MB"
	d.inputs[fieldVCPUs].SetValue(strconv.Itoa(form.Current.VCPUs))
	d.inputs[fieldDisk].Placeholder = "unchanged"
	d.inputs[fieldMemory].Focus()
	return d
}

func (d *editDialog) move(delta int) {
	d.inputs[d.focus].Blur()
	d.focus = (d.focus + delta + fieldCount) % fieldCount
	d.inputs[d.focus].Focus()
}

func (d *editDialog) update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	d.inputs[d.focus], cmd = d.inputs[d.focus].Update(msg)
	return cmd
}

// request parses the inputs. A disk value matching a known image is a known
// selection; any other non-empty value is a custom path.
func (d *editDialog) request() (dispatch.EditRequest, error) {
	memory, err := strconv.Atoi(strings.TrimSpace(d.inputs[fieldMemory].Value()))
	if err != nil {
		return dispatch.EditRequest{}, fmt.Errorf("memory must be a whole number of MB")
	}
	vcpus, err := strconv.Atoi(strings.TrimSpace(d.inputs[fieldVCPUs].Value()))
	if err != nil {
		return dispatch.EditRequest{}, fmt.Errorf("vCPUs must be a whole number")
	}
	req := dispatch.EditRequest{MemoryMB: memory, VCPUs: vcpus}
	if disk := strings.TrimSpace(d.inputs[fieldDisk].Value()); disk != "" {
		req.Disk = dispatch.CustomDisk(disk)
		for _, known := range d.form.KnownDisks {
			if known == disk {
				req.Disk = dispatch.KnownDisk(disk)
				break
			}
		}
	}
	if err := d.form.Validate(req); err != nil {
		return dispatch.EditRequest{}, err
	}
	return req, nil
}

func (d *editDialog) view() string {
	f := d.form
	labels := [fieldCount]string{
		fmt.Sprintf("Memory (%d-%d MB)", f.Bounds.MemoryMin, f.Bounds.MemoryMax),
		fmt.Sprintf("vCPUs (%d-%d)", f.Bounds.VCPUMin, f.Bounds.VCPUMax),
		"Disk",
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Edit "+f.Name) + "\n\n")
	for i := range d.inputs {
		cursor := "  "
		if i == d.focus {
			cursor = "> "
		}
		fmt.Fprintf(&b, "%s%-22s %s\n", cursor, labels[i], d.inputs[i].View())
	}
	if len(f.KnownDisks) > 0 {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("\nKnown disks (%s):", f.DiskSource)) + "\n")
		for _, disk := range f.KnownDisks {
			b.WriteString(mutedStyle.Render("  "+disk) + "\n")
		}
	}
	if f.CapacityErr != nil {
		b.WriteString(mutedStyle.Render("\nHost capacity unavailable; using declared limits.") + "\n")
	}
	if d.err != nil {
		b.WriteString("\n" + errorStyle.Render(d.err.Error()) + "\n")
	}
	return lipgloss.NewStyle().Width(72).Render(boxStyle.Render(b.String()))
}
