package vecstore

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the index family.
type Kind uint8

const (
	KindFlat Kind = iota + 1
	KindIVFFlat
	KindIVFPQ
)

func (k Kind) String() string {
	switch k {
	case KindFlat:
		return "Flat"
	case KindIVFFlat:
		return "IVF-Flat"
	case KindIVFPQ:
		return "IVF-PQ"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Spec describes an index layout.
type Spec struct {
	Kind Kind

	// NList is the number of inverted lists.
	NList int

	// HNSWM is the graph degree of the coarse quantizer. Zero selects a
	// brute-force coarse quantizer.
	HNSWM int

	// PQM is the number of PQ subquantizers; PQBits the bits per code.
	PQM    int
	PQBits int
}

// String formats the spec as a factory string.
func (s Spec) String() string {
	if s.Kind == KindFlat {
		return "Flat"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "IVF%d", s.NList)
	if s.HNSWM > 0 {
		fmt.Fprintf(&b, "_HNSW%d", s.HNSWM)
	}
	if s.Kind == KindIVFPQ {
		fmt.Fprintf(&b, ",PQ%dx%d", s.PQM, s.PQBits)
	} else {
		b.WriteString(",Flat")
	}
	return b.String()
}

// ParseFactory parses an index factory string.
func ParseFactory(factory string) (Spec, error) {
	bad := func() (Spec, error) {
		return Spec{}, fmt.Errorf("vecstore: invalid index factory %q", factory)
	}
	f := strings.TrimSpace(factory)
	if f == "Flat" {
		return Spec{Kind: KindFlat}, nil
	}

	coarse, fine, ok := strings.Cut(f, ",")
	if !ok || !strings.HasPrefix(coarse, "IVF") {
		return bad()
	}
	var spec Spec
	nlist, hnsw, hasHNSW := strings.Cut(coarse[len("IVF"):], "_HNSW")
	n, err := strconv.Atoi(nlist)
	if err != nil || n <= 0 {
		return bad()
	}
	spec.NList = n
	if hasHNSW {
		m, err := strconv.Atoi(hnsw)
		if err != nil || m < 2 {
			return bad()
		}
		spec.HNSWM = m
	}

	switch {
	case fine == "Flat":
		spec.Kind = KindIVFFlat
	case strings.HasPrefix(fine, "PQ"):
		spec.Kind = KindIVFPQ
		pq := strings.TrimSuffix(fine[len("PQ"):], "np")
		m, bits, hasBits := strings.Cut(pq, "x")
		if spec.PQM, err = strconv.Atoi(m); err != nil || spec.PQM <= 0 {
			return bad()
		}
		spec.PQBits = 8
		if hasBits {
			if spec.PQBits, err = strconv.Atoi(bits); err != nil {
				return bad()
			}
		}
	default:
		return bad()
	}
	return spec, nil
}

func (s Spec) check(dim int) error {
	switch s.Kind {
	case KindFlat:
		return nil
	case KindIVFFlat, KindIVFPQ:
		if s.NList <= 0 {
			return fmt.Errorf("vecstore: nlist must be positive, got %d", s.NList)
		}
	default:
		return fmt.Errorf("vecstore: unknown index kind %d", s.Kind)
	}
	if s.Kind == KindIVFPQ {
		if s.PQM <= 0 || dim%s.PQM != 0 {
			return fmt.Errorf("vecstore: dimension %d is not divisible into %d subquantizers", dim, s.PQM)
		}
		if s.PQBits < 1 || s.PQBits > 8 {
			return fmt.Errorf("vecstore: PQ bits must be in [1, 8], got %d", s.PQBits)
		}
	}
	return nil
}

// Fit shrinks the spec so that it can be trained on n vectors: at most n
// lists, and at most n centroids per PQ subquantizer. With fewer than two
// vectors a Flat spec is returned.
func (s Spec) Fit(n int) Spec {
	if s.Kind == KindFlat {
		return s
	}
	if n < 2 {
		return Spec{Kind: KindFlat}
	}
	s.NList = min(s.NList, n)
	if s.Kind == KindIVFPQ {
		for s.PQBits > 1 && 1<<s.PQBits > n {
			s.PQBits--
		}
	}
	return s
}

// TrainingSize is the sample size used to train spec: 256 vectors per
// list, at least 65536.
func (s Spec) TrainingSize() int {
	return max(256*s.NList, 65536)
}
