package vecstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

var indexMagic = [4]byte{'P', 'F', 'I', 'X'}

const indexVersion uint32 = 1

// Write serializes idx to w in a little-endian binary format.
//
// Format overview:
//
//	[4B magic "PFIX"] [4B version]
//	[1B kind] [4B dim] [4B nprobe] [8B seed]
//	[4B factoryLen] [factory bytes]
//	Flat:
//	  [8B n] [n × dim × 4B float32]
//	IVF:
//	  [4B nlist] [nlist × dim × 4B centroids]
//	  IVF-PQ only: [M × K × dsub × 4B codebooks]
//	  For each list:
//	    [4B count] [count × 8B ids]
//	    [count × M codes] or [count × dim × 4B residuals]
//
// The HNSW coarse graph is not stored; it is rebuilt from the centroids
// with the stored seed, which reproduces it exactly.
func Write(w io.Writer, idx Index) error {
	bw := bufio.NewWriter(w)
	le := binary.LittleEndian
	write := func(v any) error { return binary.Write(bw, le, v) }

	if _, err := bw.Write(indexMagic[:]); err != nil {
		return fmt.Errorf("vecstore: write magic: %w", err)
	}
	factory := []byte(idx.Spec().String())
	var (
		nprobe uint32
		seed   uint64
	)
	if ivf, ok := idx.(*IVF); ok {
		nprobe, seed = uint32(ivf.nprobe), ivf.seed
	}
	for _, v := range []any{
		indexVersion, uint8(idx.Spec().Kind), uint32(idx.Dim()), nprobe, seed,
		uint32(len(factory)), factory,
	} {
		if err := write(v); err != nil {
			return fmt.Errorf("vecstore: write header: %w", err)
		}
	}

	switch ix := idx.(type) {
	case *Flat:
		if err := write(uint64(ix.Len())); err != nil {
			return err
		}
		if err := write(ix.data); err != nil {
			return err
		}
	case *IVF:
		if !ix.Trained() {
			return ErrNotTrained
		}
		if err := write(uint32(len(ix.centroids))); err != nil {
			return err
		}
		for _, c := range ix.centroids {
			if err := write(c); err != nil {
				return err
			}
		}
		if ix.pq != nil {
			if err := write(ix.pq.codebooks); err != nil {
				return err
			}
		}
		for _, l := range ix.lists {
			if err := write(uint32(len(l.ids))); err != nil {
				return err
			}
			if err := write(l.ids); err != nil {
				return err
			}
			if ix.pq != nil {
				_, err := bw.Write(l.codes)
				if err != nil {
					return err
				}
			} else if err := write(l.residuals); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("vecstore: cannot serialize %T", idx)
	}
	return bw.Flush()
}

// Read deserializes an index written by [Write].
func Read(r io.Reader) (Index, error) {
	br := bufio.NewReader(r)
	le := binary.LittleEndian
	read := func(v any) error { return binary.Read(br, le, v) }

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("vecstore: read magic: %w", err)
	}
	if magic != indexMagic {
		return nil, fmt.Errorf("vecstore: invalid magic %q", magic[:])
	}
	var version uint32
	if err := read(&version); err != nil {
		return nil, fmt.Errorf("vecstore: read version: %w", err)
	}
	if version != indexVersion {
		return nil, fmt.Errorf("vecstore: unsupported version %d (want %d)", version, indexVersion)
	}

	var (
		kind       uint8
		dim        uint32
		nprobe     uint32
		seed       uint64
		factoryLen uint32
	)
	for _, v := range []any{&kind, &dim, &nprobe, &seed, &factoryLen} {
		if err := read(v); err != nil {
			return nil, fmt.Errorf("vecstore: read header: %w", err)
		}
	}
	if dim == 0 || factoryLen > 1<<10 {
		return nil, fmt.Errorf("vecstore: corrupt header")
	}
	factory := make([]byte, factoryLen)
	if _, err := io.ReadFull(br, factory); err != nil {
		return nil, err
	}
	spec, err := ParseFactory(string(factory))
	if err != nil {
		return nil, err
	}
	if spec.Kind != Kind(kind) {
		return nil, fmt.Errorf("vecstore: kind %d does not match factory %q", kind, factory)
	}
	if err := spec.check(int(dim)); err != nil {
		return nil, err
	}

	if spec.Kind == KindFlat {
		var n uint64
		if err := read(&n); err != nil {
			return nil, err
		}
		f := NewFlat(int(dim))
		f.data = make([]float32, n*uint64(dim))
		if err := read(f.data); err != nil {
			return nil, fmt.Errorf("vecstore: read vectors: %w", err)
		}
		return f, nil
	}

	ix := newIVF(spec, int(dim), Options{NProbe: int(nprobe), Seed: seed})
	var nlist uint32
	if err := read(&nlist); err != nil {
		return nil, err
	}
	if int(nlist) != spec.NList {
		return nil, fmt.Errorf("vecstore: %d centroids for factory %q", nlist, factory)
	}
	centroids := make([][]float32, nlist)
	for i := range centroids {
		centroids[i] = make([]float32, dim)
		if err := read(centroids[i]); err != nil {
			return nil, fmt.Errorf("vecstore: read centroids: %w", err)
		}
	}
	ix.setCentroids(centroids)

	if spec.Kind == KindIVFPQ {
		pq, err := NewProductQuantizer(int(dim), spec.PQM, spec.PQBits)
		if err != nil {
			return nil, err
		}
		pq.codebooks = make([]float32, pq.M*pq.K()*pq.dsub)
		if err := read(pq.codebooks); err != nil {
			return nil, fmt.Errorf("vecstore: read codebooks: %w", err)
		}
		ix.pq = pq
	}

	var total int64
	for li := range ix.lists {
		var count uint32
		if err := read(&count); err != nil {
			return nil, err
		}
		l := &ix.lists[li]
		l.ids = make([]int64, count)
		if err := read(l.ids); err != nil {
			return nil, err
		}
		if ix.pq != nil {
			l.codes = make([]byte, int(count)*ix.pq.M)
			if _, err := io.ReadFull(br, l.codes); err != nil {
				return nil, err
			}
		} else {
			l.residuals = make([]float32, int(count)*int(dim))
			if err := read(l.residuals); err != nil {
				return nil, err
			}
		}
		total += int64(count)
	}

	ix.where = make([]location, total)
	seen := make([]bool, total)
	for li, l := range ix.lists {
		for pos, id := range l.ids {
			if id < 0 || id >= total || seen[id] {
				return nil, fmt.Errorf("vecstore: corrupt id %d in list %d", id, li)
			}
			seen[id] = true
			ix.where[id] = location{list: int32(li), pos: int32(pos)}
		}
	}
	return ix, nil
}
