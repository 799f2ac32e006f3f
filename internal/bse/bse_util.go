package bse

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"golang.org/x/net/html"

	"github.com/shanehull/bsescraper/internal/types"
)

const (
	defaultCategory    = "Announcement"
	defaultSubcategory = "Others"
	fallbackHeadline   = "General Announcement"
)

var (
	headlineWithSub = regexp.MustCompile(`^(.*?)\s*-\s*(\d+)\s*-\s*(.*?)-(.*)`)
	headlinePlain   = regexp.MustCompile(`^(.*?)\s*-\s*(\d+)\s*-\s*(.*)`)
	fileSizeRe      = regexp.MustCompile(`(\d+(?:\.\d+)?\s*MB)`)
	dashDateRe      = regexp.MustCompile(`(\d{2})-(\d{2})-(\d{4})`)
	slashDateRe     = regexp.MustCompile(`^(\d{2})/(\d{2})/(\d{4})`)
	whitespaceRe    = regexp.MustCompile(`[\n\t\r\s\xA0]+`)
)

var (
	headlineSelectors = []string{
		"span[ng-bind-html='cann.NEWSSUB']",
		"td.tdcolumngrey span",
		"td span.ng-binding",
	}
	dateSelectors = []string{
		"b.ng-binding",
		"td b.ng-binding",
		"td[ng-bind='cann.ANNOUNCEDT']",
		"td.tdcolumngrey b",
	}
	siblingDateSelectors = []string{"b.ng-binding", "td b"}
)

const (
	pdfLinkSelector  = "a[href*='.pdf']"
	sizeSelector     = "span[ng-if*='cann.Fld_Attachsize']"
	categorySelector = "td[ng-if*='CATEGORYNAME']"
	rowSelector      = "table tbody tr"
)

type headline struct {
	company     string
	scriptID    string
	description string
	subcategory string
}

// parseHeadline splits "COMPANY - SCRIPTID - Description-Subcategory". When neither form
// matches, the last word is taken as the script id.
func parseHeadline(text string) (headline, bool) {
	if m := headlineWithSub.FindStringSubmatch(text); m != nil {
		return headline{
			company:     strings.TrimSpace(m[1]),
			scriptID:    strings.TrimSpace(m[2]),
			description: strings.TrimSpace(m[3]),
			subcategory: strings.TrimSpace(m[4]),
		}, true
	}

	if m := headlinePlain.FindStringSubmatch(text); m != nil {
		return headline{
			company:     strings.TrimSpace(m[1]),
			scriptID:    strings.TrimSpace(m[2]),
			description: strings.TrimSpace(m[3]),
			subcategory: defaultSubcategory,
		}, true
	}

	words := strings.Fields(text)
	if len(words) < 2 {
		return headline{}, false
	}
	return headline{
		company:     strings.Join(words[:len(words)-1], " "),
		scriptID:    words[len(words)-1],
		description: fallbackHeadline,
		subcategory: defaultSubcategory,
	}, true
}

func parseFileSize(text string) string {
	if m := fileSizeRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// parseDate pulls a DD-MM-YYYY (or DD/MM/YYYY) date out of a cell such as "24-02-2025 20:40:09".
func parseDate(text string) (string, time.Time, bool) {
	var day, month, year string
	if m := dashDateRe.FindStringSubmatch(text); m != nil {
		day, month, year = m[1], m[2], m[3]
	} else if m := slashDateRe.FindStringSubmatch(text); m != nil {
		day, month, year = m[1], m[2], m[3]
	} else {
		return "", time.Time{}, false
	}

	t, err := dateparse.ParseAny(day+"/"+month+"/"+year, dateparse.PreferMonthFirst(false))
	if err != nil {
		if t, err = time.Parse(types.DateLayout, day+"-"+month+"-"+year); err != nil {
			return "", time.Time{}, false
		}
	}
	return t.Format(types.DateLayout), t, true
}

func extractText(n *html.Node) string {
	var extract func(*html.Node) string

	extract = func(n *html.Node) string {
		if n.Type == html.TextNode {
			return n.Data
		}
		var sb strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			sb.WriteString(extract(c))
		}
		return sb.String()
	}

	return extract(n)
}

func selectionText(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(extractText(s.Nodes[0]), " "))
}

func firstMatch(s *goquery.Selection, selectors []string) *goquery.Selection {
	for _, sel := range selectors {
		if found := s.Find(sel).First(); found.Length() > 0 && selectionText(found) != "" {
			return found
		}
	}
	return nil
}

// ParseAnnouncements reads every results row out of a rendered search page. Relative PDF
// links are resolved against baseURL and rows without a date take fallbackDate.
func ParseAnnouncements(page string, baseURL string, fallbackDate time.Time) ([]types.Announcement, error) {
	root, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse results HTML: %w", err)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL %s: %w", baseURL, err)
	}

	doc := goquery.NewDocumentFromNode(root)

	var announcements []types.Announcement
	doc.Find(rowSelector).Each(func(_ int, row *goquery.Selection) {
		if ann, ok := parseRow(row, base, fallbackDate); ok {
			announcements = append(announcements, ann)
		}
	})

	return announcements, nil
}

func parseRow(row *goquery.Selection, base *url.URL, fallbackDate time.Time) (types.Announcement, bool) {
	headSel := firstMatch(row, headlineSelectors)
	if headSel == nil {
		return types.Announcement{}, false
	}

	head, ok := parseHeadline(selectionText(headSel))
	if !ok {
		return types.Announcement{}, false
	}

	href, _ := row.Find(pdfLinkSelector).First().Attr("href")
	href = strings.TrimSpace(href)
	if href == "" {
		return types.Announcement{}, false
	}
	link, err := base.Parse(href)
	if err != nil {
		return types.Announcement{}, false
	}

	ann := types.Announcement{
		CompanyName: head.company,
		ScriptID:    head.scriptID,
		Description: head.description,
		Subcategory: head.subcategory,
		Category:    defaultCategory,
		PDFURL:      link.String(),
		FileSize:    parseFileSize(selectionText(row.Find(sizeSelector).First())),
	}

	if category := selectionText(row.Find(categorySelector).First()); category != "" {
		ann.Category = category
	}

	ann.Date, ann.DateTime = fallbackDate.Format(types.DateLayout), fallbackDate
	if d, t, ok := nearestDate(row); ok {
		ann.Date, ann.DateTime = d, t
	}

	return ann, true
}

// nearestDate returns the row's own date, else the closest earlier dated row, else the
// closest later one.
func nearestDate(row *goquery.Selection) (string, time.Time, bool) {
	if d, t, ok := rowDate(row, dateSelectors); ok {
		return d, t, true
	}
	for s := row.Prev(); s.Length() > 0; s = s.Prev() {
		if d, t, ok := rowDate(s, siblingDateSelectors); ok {
			return d, t, true
		}
	}
	for s := row.Next(); s.Length() > 0; s = s.Next() {
		if d, t, ok := rowDate(s, siblingDateSelectors); ok {
			return d, t, true
		}
	}
	return "", time.Time{}, false
}

func rowDate(row *goquery.Selection, selectors []string) (string, time.Time, bool) {
	sel := firstMatch(row, selectors)
	if sel == nil {
		return "", time.Time{}, false
	}
	return parseDate(selectionText(sel))
}
