package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"lhist/internal/change"
	lherrors "lhist/internal/errors"
	"lhist/internal/history"
	"lhist/internal/label"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	blue   = color.New(color.FgBlue).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func formatTime(ms int64) string {
	return time.UnixMilli(ms).Format(time.RFC3339)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printChangeSet(cs *change.ChangeSet, verbose bool) {
	fmt.Printf("%s  %s  %s  %s\n",
		yellow(shortID(cs.ID)),
		formatTime(cs.Timestamp),
		faint(fmt.Sprintf("#%d-%d", cs.FirstSeq(), cs.LastSeq())),
		cs.Name,
	)
	if !verbose {
		return
	}
	for _, c := range cs.Changes {
		fmt.Printf("\t%s\n", describeChange(c))
	}
}

func describeChange(c change.Change) string {
	h := c.Head()
	switch c.Kind() {
	case change.KindCreateFile, change.KindCreateDirectory:
		return fmt.Sprintf("%s %s", green("A"), h.Path)
	case change.KindDelete:
		return fmt.Sprintf("%s %s", red("D"), h.Path)
	case change.KindRename, change.KindMove:
		return fmt.Sprintf("%s %s -> %s", blue("R"), h.OldPath, h.Path)
	case change.KindContentChange:
		return fmt.Sprintf("%s %s", yellow("M"), h.Path)
	}
	return fmt.Sprintf("? %s", h.Path)
}

func printLabel(l *label.Label) {
	if l.Kind == label.Unsaved {
		fmt.Printf("%s\n", red(l.Name))
		return
	}
	fmt.Printf("%s  %s  %s\n", green(l.Name), formatTime(l.Timestamp), faint(fmt.Sprintf("#%d", l.Seq)))
}

func printStats(st history.Stats) {
	fmt.Println()
	fmt.Printf("Sequence      %d (history from %d)\n", st.CommittedSeq, st.BaseSeq)
	fmt.Printf("Change sets   %d\n", st.ChangeSets)
	fmt.Printf("Entries       %d\n", st.Entries)
	fmt.Printf("Blobs         %d\n", st.Blobs)
	fmt.Printf("Data file     %d bytes, %d free, page size %d\n",
		st.Paged.Size, st.Paged.FreeBytes, st.Paged.PageSize)
}

// printDifference lists every changed entry in d, with a line diff for files.
func printDifference(s *history.Store, d *label.Difference) error {
	if !d.HasChanges() {
		fmt.Println("No differences")
		return nil
	}
	for _, c := range d.Changed() {
		var mark string
		switch c.Kind {
		case label.Created:
			mark = green("A")
		case label.Deleted:
			mark = red("D")
		default:
			mark = yellow("M")
		}
		fmt.Printf("%s %s\n", mark, c.Path())
		if !c.IsFile() {
			continue
		}
		result, err := s.ContentDiff(c)
		if err != nil {
			return fmt.Errorf("diffing %s: %w", c.Path(), err)
		}
		fmt.Printf("\ndiff --lhist a/%s b/%s\n", c.Path(), c.Path())
		printColoredDiff(result.Format())
	}
	return nil
}

func reportRevertError(err error) error {
	if paths, ok := lherrors.Conflicts(err); ok {
		fmt.Println("Cannot revert, these files are read-only:")
		for _, p := range paths {
			fmt.Printf("\t%s %s\n", red("!"), p)
		}
	}
	return fmt.Errorf("reverting: %w", err)
}

func printColoredDiff(diff string) {
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	header := color.New(color.FgCyan)

	lines := strings.Split(diff, "\n")
	for _, line := range lines {
		if len(line) == 0 {
			fmt.Println()
			continue
		}

		switch {
		case strings.HasPrefix(line, "@@"):
			header.Println(line)
		case strings.HasPrefix(line, "+"):
			added.Println(line)
		case strings.HasPrefix(line, "-"):
			removed.Println(line)
		default:
			fmt.Println(line)
		}
	}
}
