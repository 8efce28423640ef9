package recall

import (
	"fmt"
	"strings"
)

// Block section delimiters. Downstream consumers split on these.
const (
	profileHeader  = "=== PERSONA PROFILE ==="
	memoryHeader   = "=== PERSONA MEMORY ==="
	snippetsHeader = "=== CHAT SNIPPETS ==="
)

// FormatBlock renders a Result into one delimited text block. Every item and
// snippet is truncated to the per-item cap independently, so total block
// size grows with the item count, never with the size of any single fact.
func (a *Assembler) FormatBlock(res *Result) string {
	var b strings.Builder

	b.WriteString(profileHeader)
	b.WriteByte('\n')
	b.WriteString(res.Profile)
	b.WriteByte('\n')

	b.WriteString(memoryHeader)
	b.WriteByte('\n')
	for _, item := range res.MemoryItems {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", item.Type, item.Key, truncate(item.Content, a.cfg.PerItemCap))
	}

	b.WriteString(snippetsHeader)
	b.WriteByte('\n')
	for _, msg := range res.ChatSnippets {
		fmt.Fprintf(&b, "- [%s] %s\n", msg.Role, truncate(msg.Content, a.cfg.PerItemCap))
	}

	return b.String()
}
