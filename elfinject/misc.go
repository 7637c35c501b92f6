package elfinject

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sad0p/postject/log"
)

func printDirectory(entries []Entry, raw []byte) {
	var b strings.Builder
	b.WriteString("------------------POSTJECT_SHT------------------------\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-24s 0x%016x 0x%x\n", e.Name, e.Addr, e.Size)
	}
	b.WriteString(hex.Dump(raw))
	b.WriteString("--------------------END------------------------------")
	log.Debugf("%s", b.String())
}
