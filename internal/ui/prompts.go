package ui

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shanehull/bsescraper/internal/types"
)

// InputLayout is the date format typed at the prompts and on the command line.
const InputLayout = "02/01/2006"

var datePattern = regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`)

// ErrNoInput is returned when the input ends before a valid answer was given.
var ErrNoInput = errors.New("no input")

// ParseDate accepts DD/MM/YYYY only.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if !datePattern.MatchString(s) {
		return time.Time{}, fmt.Errorf("invalid date %q, use DD/MM/YYYY", s)
	}
	t, err := time.Parse(InputLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: no such day", s)
	}
	return t, nil
}

// ParseCategory accepts a list number (0 for all categories) or a category name.
func ParseCategory(s string) (string, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		switch {
		case n == 0:
			return types.AllCategories, nil
		case n >= 1 && n <= len(types.Categories):
			return types.Categories[n-1], nil
		default:
			return "", fmt.Errorf("please enter a number between 0 and %d", len(types.Categories))
		}
	}
	for _, c := range types.Categories {
		if strings.EqualFold(c, s) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

func (p *Prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		if err == io.EOF {
			return "", ErrNoInput
		}
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// PromptDate asks until a valid DD/MM/YYYY date is entered.
func (p *Prompter) PromptDate(label string) (time.Time, error) {
	for {
		fmt.Fprintf(p.out, "%s (DD/MM/YYYY): ", label)
		line, err := p.readLine()
		if err != nil {
			return time.Time{}, err
		}
		t, err := ParseDate(line)
		if err == nil {
			return t, nil
		}
		fmt.Fprintln(p.out, "Invalid date format. Please use DD/MM/YYYY format.")
	}
}

// PromptRange asks for the start and end dates.
func (p *Prompter) PromptRange() (from, to time.Time, err error) {
	from, err = p.PromptDate("Enter FROM date")
	if err != nil {
		return from, to, err
	}
	to, err = p.PromptTo(from)
	return from, to, err
}

// PromptTo asks for the end date until it is not before from.
func (p *Prompter) PromptTo(from time.Time) (time.Time, error) {
	for {
		to, err := p.PromptDate("Enter TO date")
		if err != nil {
			return to, err
		}
		if !to.Before(from) {
			return to, nil
		}
		fmt.Fprintln(p.out, "TO date must not be before FROM date.")
	}
}

// PromptCategory lists the exchange categories and returns the chosen one, or
// types.AllCategories for 0.
func (p *Prompter) PromptCategory() (string, error) {
	fmt.Fprintln(p.out, "\nAvailable company update types:")
	for i, c := range types.Categories {
		fmt.Fprintf(p.out, "%d. %s\n", i+1, c)
	}

	for {
		fmt.Fprintf(p.out, "\nSelect a company update type (1-%d, or 0 for --Select Category--): ", len(types.Categories))
		line, err := p.readLine()
		if err != nil {
			return "", err
		}
		n, err := strconv.Atoi(line)
		if err != nil {
			fmt.Fprintln(p.out, "Please enter a valid number.")
			continue
		}
		c, err := ParseCategory(strconv.Itoa(n))
		if err != nil {
			fmt.Fprintln(p.out, err.Error()+".")
			continue
		}
		return c, nil
	}
}
