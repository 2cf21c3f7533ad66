package pdf

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"regexp"
	"slices"
	"strconv"
)

// pinnedDate replaces the write-time dates pdfcpu records in the info dictionary.
const pinnedDate = "D:20000101000000Z"

var (
	infoDate = regexp.MustCompile(`/(ModDate|CreationDate)\s*\(D:[^)]*\)`)
	infoRef  = regexp.MustCompile(`/Info\s+(\d+)\s+\d+\s+R`)
	fileID   = regexp.MustCompile(`/ID\s*\[[^\]]*\]`)
	sizeKey  = regexp.MustCompile(`/Size\s+(\d+)`)
)

type xrefSpan struct {
	num int
	gen int
	off int
}

// canonical takes a file with a classic cross-reference table and rewrites it with
// objects in object-number order, the info dictionary dates pinned and the file
// identifier derived from seed. The result depends only on the objects themselves,
// not on the order or time they were written.
func canonical(in, seed []byte) ([]byte, error) {
	xrefOff, err := startXref(in)
	if err != nil {
		return nil, err
	}
	tail := in[xrefOff:]
	if !bytes.HasPrefix(tail, []byte("xref")) {
		return nil, fmt.Errorf("%w: expected xref table at %d", ErrMalformed, xrefOff)
	}
	t := bytes.Index(tail, []byte("trailer"))
	s := bytes.LastIndex(tail, []byte("startxref"))
	if t < 0 || s < t {
		return nil, fmt.Errorf("%w: trailer not found", ErrMalformed)
	}
	spans, err := parseXref(tail[len("xref"):t])
	if err != nil {
		return nil, err
	}
	trailer := bytes.TrimSpace(tail[t+len("trailer") : s])

	slices.SortFunc(spans, func(a, b xrefSpan) int { return a.off - b.off })
	objs := make(map[int][]byte, len(spans))
	gens := make(map[int]int, len(spans))
	size := 1
	for i, sp := range spans {
		end := xrefOff
		if i+1 < len(spans) {
			end = spans[i+1].off
		}
		if sp.off <= 0 || sp.off >= end {
			return nil, fmt.Errorf("%w: object %d offset %d out of range", ErrMalformed, sp.num, sp.off)
		}
		body := bytes.TrimRight(in[sp.off:end], "\x00\t\n\f\r ")
		if !bytes.HasPrefix(body, []byte(fmt.Sprintf("%d %d obj", sp.num, sp.gen))) ||
			!bytes.HasSuffix(body, []byte("endobj")) {
			return nil, fmt.Errorf("%w: object %d not found at offset %d", ErrMalformed, sp.num, sp.off)
		}
		if _, dup := objs[sp.num]; dup {
			return nil, fmt.Errorf("%w: object %d listed twice", ErrMalformed, sp.num)
		}
		objs[sp.num] = body
		gens[sp.num] = sp.gen
		size = max(size, sp.num+1)
	}
	head := in[:spans[0].off]

	if m := sizeKey.FindSubmatch(trailer); m != nil {
		if n, err := strconv.Atoi(string(m[1])); err == nil && n > size {
			size = n
		}
	}
	trailer = sizeKey.ReplaceAll(trailer, []byte("/Size "+strconv.Itoa(size)))
	if m := infoRef.FindSubmatch(trailer); m != nil {
		if n, err := strconv.Atoi(string(m[1])); err == nil {
			if body, ok := objs[n]; ok {
				objs[n] = infoDate.ReplaceAll(body, []byte("/${1} ("+pinnedDate+")"))
			}
		}
	}
	id := hex.EncodeToString(seed[:16])
	trailer = fileID.ReplaceAll(trailer, []byte("/ID [<"+id+"> <"+id+">]"))

	var buf bytes.Buffer
	buf.Write(head)
	offsets := make([]int, size)
	for n := 1; n < size; n++ {
		if body, ok := objs[n]; ok {
			offsets[n] = buf.Len()
			buf.Write(body)
			buf.WriteByte('\n')
		}
	}

	// free entries form a list starting at object 0
	nextFree := make([]int, size)
	prev := 0
	for n := 1; n < size; n++ {
		if _, ok := objs[n]; !ok {
			nextFree[prev] = n
			prev = n
		}
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", size)
	for n := 0; n < size; n++ {
		if _, ok := objs[n]; ok && n > 0 {
			fmt.Fprintf(&buf, "%010d %05d n\r\n", offsets[n], gens[n])
			continue
		}
		gen := 0
		if n == 0 {
			gen = 65535
		}
		fmt.Fprintf(&buf, "%010d %05d f\r\n", nextFree[n], gen)
	}
	fmt.Fprintf(&buf, "trailer\n%s\nstartxref\n%d\n%%%%EOF\n", trailer, xref)
	return buf.Bytes(), nil
}

func startXref(data []byte) (int, error) {
	i := bytes.LastIndex(data, []byte("startxref"))
	if i < 0 {
		return 0, fmt.Errorf("%w: startxref not found", ErrMalformed)
	}
	f := bytes.Fields(data[i+len("startxref"):])
	if len(f) == 0 {
		return 0, fmt.Errorf("%w: startxref has no offset", ErrMalformed)
	}
	off, err := strconv.Atoi(string(f[0]))
	if err != nil || off < 0 || off >= i {
		return 0, fmt.Errorf("%w: startxref offset %q", ErrMalformed, f[0])
	}
	return off, nil
}

// parseXref reads the subsections of a classic cross-reference table and returns the
// in-use entries.
func parseXref(section []byte) ([]xrefSpan, error) {
	f := bytes.Fields(section)
	var spans []xrefSpan
	for i := 0; i < len(f); {
		if i+2 > len(f) {
			return nil, fmt.Errorf("%w: truncated xref subsection", ErrMalformed)
		}
		first, err1 := strconv.Atoi(string(f[i]))
		count, err2 := strconv.Atoi(string(f[i+1]))
		if err1 != nil || err2 != nil || first < 0 || count < 0 {
			return nil, fmt.Errorf("%w: bad xref subsection header", ErrMalformed)
		}
		i += 2
		if i+3*count > len(f) {
			return nil, fmt.Errorf("%w: truncated xref subsection", ErrMalformed)
		}
		for j := 0; j < count; j++ {
			off, gen, kind := f[i], f[i+1], f[i+2]
			i += 3
			if string(kind) != "n" {
				continue
			}
			o, err1 := strconv.Atoi(string(off))
			g, err2 := strconv.Atoi(string(gen))
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("%w: bad xref entry for object %d", ErrMalformed, first+j)
			}
			spans = append(spans, xrefSpan{num: first + j, gen: g, off: o})
		}
	}
	if len(spans) == 0 {
		return nil, fmt.Errorf("%w: xref table lists no objects", ErrMalformed)
	}
	return spans, nil
}
