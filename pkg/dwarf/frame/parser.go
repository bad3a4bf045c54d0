package frame

import (
	"github.com/hitzhangjie/gounwind/pkg/dwarf/util"
)

type parsefunc func(*parseContext) parsefunc

// parseContext context which helps walking the CIE and FDEs stored in
// .debug_frame or .eh_frame
type parseContext struct {
	section *Section
	cursor  *util.Cursor

	entries FrameDescriptionEntries
	header  *entryHeader
}

// Parse walks all entries of the section and returns its FDEs, in section
// order. Entries that fail to decode are skipped, the walk continues with
// the next one as long as the length field could be read.
func Parse(s *Section) FrameDescriptionEntries {
	pctx := &parseContext{
		section: s,
		cursor:  s.cursor(),
		entries: newFrameIndex(),
	}
	pctx.cursor.SetPos(s.entriesOffset)

	for fn := parselength; fn != nil; {
		fn = fn(pctx)
	}
	return pctx.entries
}

// parselength parse the length and id of a CIE or FDE
func parselength(ctx *parseContext) parsefunc {
	pos := ctx.cursor.Pos()
	if pos >= ctx.section.entriesEnd {
		return nil
	}

	length, err := ctx.cursor.U32()
	if err != nil {
		return nil
	}
	if length == 0 {
		// ZERO terminator
		if ctx.section.kind == EhFrame {
			return nil
		}
		return parselength
	}

	h, err := ctx.section.readHeader(ctx.cursor, pos)
	if err != nil || h.end <= pos {
		return nil
	}
	ctx.header = h

	if h.id == ctx.section.cieID(h.is64) {
		return parseCIE
	}
	return parseFDE
}

// parseFDE parse FDE entry
func parseFDE(ctx *parseContext) parsefunc {
	h := ctx.header
	fde, err := ctx.section.FdeFromOffset(h.start)
	if err != nil {
		ctx.section.log.Debugf("skip fde at %#x: %v", h.start, err)
	} else if fde.PCEnd > fde.PCStart {
		ctx.entries = append(ctx.entries, fde)
	}

	// prepare to parse next FDE or CIE
	ctx.cursor.SetPos(h.end)
	return parselength
}

// parseCIE parse CIE entry, CIEs are only decoded when an FDE refers to
// them
func parseCIE(ctx *parseContext) parsefunc {
	ctx.cursor.SetPos(ctx.header.end)
	return parselength
}
