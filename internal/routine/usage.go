package routine

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/Dermis/internal/models"
)

// BlockKind is the layout of one usage paragraph.
type BlockKind string

const (
	BlockParagraph BlockKind = "paragraph"
	BlockNumbered  BlockKind = "numbered"
	BlockBullets   BlockKind = "bullets"
)

// Item is one entry of a numbered or bullet list.
type Item struct {
	Marker   string `json:"marker"`
	Text     string `json:"text"`
	SubItems []Item `json:"sub_items,omitempty"`
}

// Block is one paragraph of usage text.
type Block struct {
	Kind  BlockKind `json:"kind"`
	Text  string    `json:"text,omitempty"`
	Items []Item    `json:"items,omitempty"`
}

var (
	paragraphSep = regexp.MustCompile(`\n\s*\n`)
	numberedRe   = regexp.MustCompile(`^(\d+\.)\s*`)
	letteredRe   = regexp.MustCompile(`^([a-zA-Z]\.)\s`)
	bulletRe     = regexp.MustCompile(`^[•\-*]\s*`)
)

// ParseUsage splits usage text into paragraphs, numbered lists whose items
// may carry lettered sub-items, and bullet lists.
func ParseUsage(text string) []Block {
	blocks := []Block{}
	for _, p := range paragraphSep.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		switch {
		case numberedRe.MatchString(p):
			blocks = append(blocks, Block{Kind: BlockNumbered, Items: parseNumbered(p)})
		case isBulletList(p):
			blocks = append(blocks, Block{Kind: BlockBullets, Items: parseBullets(p)})
		default:
			blocks = append(blocks, Block{Kind: BlockParagraph, Text: p})
		}
	}
	return blocks
}

func isBulletList(p string) bool {
	return bulletRe.MatchString(p) || strings.Contains(p, "\n•") || strings.Contains(p, "\n-")
}

// splitBefore breaks text into chunks, starting a new chunk at every line
// that starts matches.
func splitBefore(text string, starts func(line string) bool) []string {
	var chunks []string
	var cur strings.Builder
	for i, line := range strings.Split(text, "\n") {
		if i > 0 && starts(line) {
			chunks = append(chunks, cur.String())
			cur.Reset()
		} else if i > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	chunks = append(chunks, cur.String())
	return chunks
}

func parseNumbered(p string) []Item {
	items := []Item{}
	for _, chunk := range splitBefore(p, numberedRe.MatchString) {
		chunk = strings.TrimSpace(chunk)
		m := numberedRe.FindStringSubmatchIndex(chunk)
		if m == nil {
			continue
		}
		item := Item{Marker: chunk[m[2]:m[3]]}
		parts := splitBefore(chunk[m[1]:], letteredRe.MatchString)
		item.Text = strings.TrimSpace(parts[0])
		for _, sub := range parts[1:] {
			sub = strings.TrimSpace(sub)
			sm := letteredRe.FindStringSubmatchIndex(sub)
			if sm == nil {
				continue
			}
			item.SubItems = append(item.SubItems, Item{
				Marker: sub[sm[2]:sm[3]],
				Text:   strings.TrimSpace(sub[sm[1]:]),
			})
		}
		items = append(items, item)
	}
	return items
}

func parseBullets(p string) []Item {
	items := []Item{}
	for _, chunk := range splitBefore(p, bulletRe.MatchString) {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		items = append(items, Item{Marker: "•", Text: bulletRe.ReplaceAllString(chunk, "")})
	}
	return items
}

var stageInstructions = []struct {
	stage string
	text  string
}{
	{models.StageCleanse, "LIMPIAR: Aplica sobre la piel húmeda, masajea suavemente en movimientos circulares y enjuaga con agua tibia."},
	{models.StageTreat, "TRATAR: Aplica unas gotas sobre la piel limpia y seca. Masajea suavemente hasta su completa absorción."},
	{models.StageProtect, "PROTEGER: Aplica generosamente sobre toda la cara y cuello 15 minutos antes de la exposición solar. Reaplica cada 2 horas."},
}

const defaultInstructions = "Sigue las instrucciones del fabricante para obtener mejores resultados."

// StepInstructions returns the standard "how to use" text for a product's stages.
func StepInstructions(p models.Product) string {
	steps := p.Steps()
	if len(steps) == 0 {
		return defaultInstructions
	}
	var parts []string
	for _, si := range stageInstructions {
		for _, s := range steps {
			if s == si.stage {
				parts = append(parts, si.text)
				break
			}
		}
	}
	if len(parts) == 0 {
		return defaultInstructions
	}
	return strings.Join(parts, " ")
}
