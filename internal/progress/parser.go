// Package progress classifies analyzer stdout lines into pipeline progress.
//
// Parsing is best effort: the analyzer prints free text in several languages,
// so every line either maps to a (step, total, message) triple or is reported
// as unrecognized. Nothing here returns an error.
package progress

import (
	"regexp"
	"strconv"
	"strings"
)

// Stage is one of the fixed pipeline stages of the analyzer.
type Stage struct {
	Name     string
	Keywords []string
}

// Progress is a recognized progress report.
type Progress struct {
	Step    int
	Total   int
	Message string
}

// DefaultStages lists the pipeline in execution order. The step of a stage is
// its 1-based position.
func DefaultStages() []Stage {
	return []Stage{
		{Name: "extract", Keywords: []string{
			"identifying abstractions", "extracting abstractions", "fetching files", "crawling",
			"identification des abstractions", "extraction", "abstraktionen",
		}},
		{Name: "relate", Keywords: []string{
			"analyzing relationships", "analysing relationships", "relationships",
			"relations", "beziehungen", "relaciones",
		}},
		{Name: "order", Keywords: []string{
			"determining chapter order", "ordering chapters", "chapter order",
			"ordre des chapitres", "kapitelreihenfolge", "orden de capítulos",
		}},
		{Name: "generate", Keywords: []string{
			"writing chapter", "generating chapter", "rédaction du chapitre", "écriture du chapitre",
			"kapitel schreiben", "escribiendo capítulo",
		}},
		{Name: "review", Keywords: []string{
			"reviewing", "review of", "relecture", "révision", "überprüfung", "revisando",
		}},
		{Name: "tutorialize", Keywords: []string{
			"combining tutorial", "tutorial complete", "generating tutorial", "writing index",
			"assemblage du tutoriel", "tutorial erstellt",
		}},
	}
}

var (
	// "Step 3 of 6: Ordering", "Étape 2/6 : Analyse", "Schritt 2 von 6 - x", "Paso 2 de 6".
	announceRegex = regexp.MustCompile(
		`(?i)^(?:step|stage|étape|etape|phase|schritt|paso|fase|passo)\s*#?\s*(\d+)\s*(?:/|of|sur|de|von|di|out of)\s*(\d+)\s*(?:[:.\-–—)]\s*)?(.*)$`,
	)
	// "[3/6] x", "[PROGRESS 3/6] x", "[Step 3/6]: x".
	bracketRatioRegex = regexp.MustCompile(`(?i)^\[\s*(?:[\p{L}]+\s*)?(\d+)\s*/\s*(\d+)\s*\]\s*[:\-–—]?\s*(.*)$`)
	// "[generate] x".
	bracketTagRegex = regexp.MustCompile(`^\[\s*([\p{L}_-]+)\s*\]\s*[:\-–—]?\s*(.*)$`)
	// "Writing chapters 3/6", "progress: 3 / 6".
	ratioRegex = regexp.MustCompile(`(?:^|[\s(:])(\d{1,3})\s*/\s*(\d{1,3})(?:$|[\s).,:;])`)

	whitespaceRuns = regexp.MustCompile(`\s+`)
)

// Parser maps lines to progress using a keyword table.
type Parser struct {
	stages []Stage
	index  map[string]int
}

// NewParser builds a parser. overrides replaces the keyword list of the named
// stages; unknown stage names are ignored.
func NewParser(overrides map[string][]string) *Parser {
	stages := DefaultStages()
	p := &Parser{stages: stages, index: make(map[string]int, len(stages))}
	for i := range stages {
		keywords := stages[i].Keywords
		if kw, ok := overrides[stages[i].Name]; ok && len(kw) > 0 {
			keywords = kw
		}
		lowered := make([]string, 0, len(keywords))
		for _, kw := range keywords {
			if kw = strings.ToLower(normalize(kw)); kw != "" {
				lowered = append(lowered, kw)
			}
		}
		stages[i].Keywords = lowered
		p.index[stages[i].Name] = i + 1
	}
	return p
}

// Total is the number of pipeline stages.
func (p *Parser) Total() int { return len(p.stages) }

// Parse classifies one line. The second result is false for unrecognized lines.
func (p *Parser) Parse(line string) (Progress, bool) {
	line = normalize(line)
	if line == "" {
		return Progress{}, false
	}

	if m := announceRegex.FindStringSubmatch(line); m != nil {
		if pr, ok := ratio(m[1], m[2], m[3]); ok {
			return pr, true
		}
	}
	if m := bracketRatioRegex.FindStringSubmatch(line); m != nil {
		if pr, ok := ratio(m[1], m[2], m[3]); ok {
			return pr, true
		}
	}
	if m := bracketTagRegex.FindStringSubmatch(line); m != nil {
		if step, ok := p.index[strings.ToLower(m[1])]; ok {
			msg := trimMessage(m[2])
			if msg == "" {
				msg = p.stages[step-1].Name
			}
			return Progress{Step: step, Total: p.Total(), Message: msg}, true
		}
	}
	if loc := ratioRegex.FindStringSubmatchIndex(line); loc != nil {
		msg := trimMessage(line[:loc[0]] + " " + line[loc[1]:])
		if pr, ok := ratio(line[loc[2]:loc[3]], line[loc[4]:loc[5]], msg); ok {
			return pr, true
		}
	}

	lower := strings.ToLower(line)
	for i, s := range p.stages {
		for _, kw := range s.Keywords {
			if strings.Contains(lower, kw) {
				return Progress{Step: i + 1, Total: p.Total(), Message: line}, true
			}
		}
	}
	return Progress{}, false
}

func ratio(stepText, totalText, msg string) (Progress, bool) {
	step, err := strconv.Atoi(stepText)
	if err != nil {
		return Progress{}, false
	}
	total, err := strconv.Atoi(totalText)
	if err != nil {
		return Progress{}, false
	}
	if total <= 0 || total > 100 || step <= 0 || step > total {
		return Progress{}, false
	}
	return Progress{Step: step, Total: total, Message: trimMessage(msg)}, true
}

func normalize(s string) string {
	return strings.TrimSpace(whitespaceRuns.ReplaceAllString(s, " "))
}

func trimMessage(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), ":-–—.…"))
}
