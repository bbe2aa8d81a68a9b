package cve

import (
	"strconv"
	"strings"
	"unicode"
)

// OSV ecosystem names the mirror queries. Derived from the package
// managers observed on machines.
const (
	EcoDebian    = "Debian"
	EcoAlpine    = "Alpine"
	EcoNPM       = "npm"
	EcoPyPI      = "PyPI"
	EcoMaven     = "Maven"
	EcoNuGet     = "NuGet"
	EcoGo        = "Go"
	EcoCrates    = "crates.io"
	EcoPackagist = "Packagist"
	EcoRubyGems  = "RubyGems"
)

var managerEcosystems = map[string]string{
	"apt":      EcoDebian,
	"dpkg":     EcoDebian,
	"apk":      EcoAlpine,
	"npm":      EcoNPM,
	"pip":      EcoPyPI,
	"maven":    EcoMaven,
	"nuget":    EcoNuGet,
	"go":       EcoGo,
	"cargo":    EcoCrates,
	"composer": EcoPackagist,
	"gem":      EcoRubyGems,
}

// EcosystemFor maps a package manager name to its OSV ecosystem.
// Unknown managers map to the empty string and are skipped.
func EcosystemFor(manager string) string {
	return managerEcosystems[strings.ToLower(manager)]
}

// Compare orders two version strings under the conventions of the
// given ecosystem: SemVer for npm/Go/crates.io, Debian ordering for
// Debian and Alpine, PEP 440 for PyPI, Maven ordering for Maven, and
// a generic alphanumeric-segment comparison for everything else.
// Returns -1, 0, or 1.
func Compare(ecosystem, a, b string) int {
	switch ecosystem {
	case EcoNPM, EcoGo, EcoCrates:
		return compareSemVer(a, b)
	case EcoDebian, EcoAlpine:
		return compareDebian(a, b)
	case EcoPyPI:
		return comparePEP440(a, b)
	case EcoMaven:
		return compareMaven(a, b)
	default:
		return compareGeneric(a, b)
	}
}

// ---------------------------------------------------------------------------
// SemVer
// ---------------------------------------------------------------------------

func compareSemVer(a, b string) int {
	ac, apre := splitSemVer(a)
	bc, bpre := splitSemVer(b)

	if c := compareDottedNumbers(ac, bc); c != 0 {
		return c
	}
	// A pre-release sorts before the release it precedes.
	switch {
	case apre == "" && bpre == "":
		return 0
	case apre == "":
		return 1
	case bpre == "":
		return -1
	}
	return comparePrerelease(apre, bpre)
}

func splitSemVer(v string) (core, pre string) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i] // build metadata is ignored
	}
	if i := strings.IndexByte(v, '-'); i >= 0 {
		return v[:i], v[i+1:]
	}
	return v, ""
}

func compareDottedNumbers(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return sign(av - bv)
		}
	}
	return 0
}

func comparePrerelease(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		ai, aerr := strconv.Atoi(as[i])
		bi, berr := strconv.Atoi(bs[i])
		switch {
		case aerr == nil && berr == nil:
			if ai != bi {
				return sign(ai - bi)
			}
		case aerr == nil:
			return -1 // numeric identifiers sort before alphanumeric
		case berr == nil:
			return 1
		default:
			if c := strings.Compare(as[i], bs[i]); c != 0 {
				return c
			}
		}
	}
	return sign(len(as) - len(bs))
}

// ---------------------------------------------------------------------------
// Debian (also used for Alpine)
// ---------------------------------------------------------------------------

func compareDebian(a, b string) int {
	ae, aup, arev := splitDebian(a)
	be, bup, brev := splitDebian(b)
	if ae != be {
		return sign(ae - be)
	}
	if c := compareDebianPart(aup, bup); c != 0 {
		return c
	}
	return compareDebianPart(arev, brev)
}

func splitDebian(v string) (epoch int, upstream, revision string) {
	v = strings.TrimSpace(v)
	if i := strings.IndexByte(v, ':'); i >= 0 {
		epoch, _ = strconv.Atoi(v[:i])
		v = v[i+1:]
	}
	if i := strings.LastIndexByte(v, '-'); i >= 0 {
		return epoch, v[:i], v[i+1:]
	}
	return epoch, v, ""
}

// compareDebianPart implements dpkg's alternating non-digit/digit walk
// with tilde sorting before everything, including the empty string.
func compareDebianPart(a, b string) int {
	for a != "" || b != "" {
		var adig, bdig string
		var anon, bnon string
		anon, a = takeWhile(a, func(r byte) bool { return r < '0' || r > '9' })
		bnon, b = takeWhile(b, func(r byte) bool { return r < '0' || r > '9' })
		if c := compareDebianAlpha(anon, bnon); c != 0 {
			return c
		}
		adig, a = takeWhile(a, func(r byte) bool { return r >= '0' && r <= '9' })
		bdig, b = takeWhile(b, func(r byte) bool { return r >= '0' && r <= '9' })
		an, _ := strconv.Atoi(adig) // empty segment counts as zero
		bn, _ := strconv.Atoi(bdig)
		if an != bn {
			return sign(an - bn)
		}
	}
	return 0
}

func compareDebianAlpha(a, b string) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		ao, bo := debianOrd(a, i), debianOrd(b, i)
		if ao != bo {
			return sign(ao - bo)
		}
	}
	return 0
}

// debianOrd ranks one character: tilde before end-of-string, letters
// before non-letters.
func debianOrd(s string, i int) int {
	if i >= len(s) {
		return 0
	}
	c := s[i]
	switch {
	case c == '~':
		return -1
	case unicode.IsLetter(rune(c)):
		return int(c)
	default:
		return int(c) + 256
	}
}

func takeWhile(s string, pred func(byte) bool) (taken, rest string) {
	i := 0
	for i < len(s) && pred(s[i]) {
		i++
	}
	return s[:i], s[i:]
}

// ---------------------------------------------------------------------------
// PEP 440 (simplified: epoch, release, pre/post/dev)
// ---------------------------------------------------------------------------

type pep440 struct {
	epoch   int
	release string
	phase   int // dev=-2, pre=-1, final=0, post=1
	phaseN  int
}

var pep440Phases = []struct {
	marker string
	phase  int
}{
	{".dev", -2}, {"dev", -2},
	{".post", 1}, {"post", 1}, {".rev", 1}, {"rev", 1},
	{"rc", -1}, {".rc", -1},
	{".a", -1}, {".b", -1}, {".c", -1},
	{"a", -1}, {"b", -1}, {"c", -1},
}

func parsePEP440(v string) pep440 {
	p := pep440{release: strings.ToLower(strings.TrimSpace(v))}
	p.release = strings.TrimPrefix(p.release, "v")
	if i := strings.IndexByte(p.release, '!'); i >= 0 {
		p.epoch, _ = strconv.Atoi(p.release[:i])
		p.release = p.release[i+1:]
	}
	if i := strings.IndexByte(p.release, '+'); i >= 0 {
		p.release = p.release[:i] // local version segment is ignored
	}
	for _, m := range pep440Phases {
		idx := strings.Index(p.release, m.marker)
		if idx <= 0 {
			continue
		}
		tail := p.release[idx+len(m.marker):]
		if n, err := strconv.Atoi(strings.TrimLeft(tail, ".-")); err == nil || tail == "" {
			p.phase = m.phase
			p.phaseN = n
			p.release = strings.TrimRight(p.release[:idx], ".-")
			break
		}
	}
	return p
}

func comparePEP440(a, b string) int {
	pa, pb := parsePEP440(a), parsePEP440(b)
	if pa.epoch != pb.epoch {
		return sign(pa.epoch - pb.epoch)
	}
	if c := compareDottedNumbers(pa.release, pb.release); c != 0 {
		return c
	}
	if pa.phase != pb.phase {
		return sign(pa.phase - pb.phase)
	}
	return sign(pa.phaseN - pb.phaseN)
}

// ---------------------------------------------------------------------------
// Maven
// ---------------------------------------------------------------------------

// mavenQualifiers orders the well-known qualifiers; the empty string
// is the release itself. Unknown qualifiers sort after the release,
// lexically.
var mavenQualifiers = map[string]int{
	"alpha": -5, "a": -5,
	"beta": -4, "b": -4,
	"milestone": -3, "m": -3,
	"rc": -2, "cr": -2,
	"snapshot": -1,
	"":         0, "ga": 0, "final": 0, "release": 0,
	"sp": 1,
}

func compareMaven(a, b string) int {
	as := tokenizeMaven(a)
	bs := tokenizeMaven(b)
	for i := 0; i < len(as) || i < len(bs); i++ {
		at, bt := "", ""
		if i < len(as) {
			at = as[i]
		}
		if i < len(bs) {
			bt = bs[i]
		}
		an, aerr := strconv.Atoi(at)
		bn, berr := strconv.Atoi(bt)
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				return sign(an - bn)
			}
		case aerr == nil:
			// Numbers sort above qualifiers.
			if bq, ok := mavenQualifiers[bt]; ok && bq < 0 {
				return 1
			}
			if an == 0 && bt == "" {
				continue
			}
			return 1
		case berr == nil:
			if aq, ok := mavenQualifiers[at]; ok && aq < 0 {
				return -1
			}
			if bn == 0 && at == "" {
				continue
			}
			return -1
		default:
			aq, aok := mavenQualifiers[at]
			bq, bok := mavenQualifiers[bt]
			if aok && bok {
				if aq != bq {
					return sign(aq - bq)
				}
				continue
			}
			if aok != bok {
				// Known qualifiers sort below unknown ones.
				if aok {
					return -1
				}
				return 1
			}
			if c := strings.Compare(at, bt); c != 0 {
				return c
			}
		}
	}
	return 0
}

func tokenizeMaven(v string) []string {
	v = strings.ToLower(strings.TrimSpace(v))
	return strings.FieldsFunc(v, func(r rune) bool { return r == '.' || r == '-' })
}

// ---------------------------------------------------------------------------
// Generic fallback
// ---------------------------------------------------------------------------

// compareGeneric walks dot/dash/underscore segments, comparing numeric
// segments numerically and the rest lexically.
func compareGeneric(a, b string) int {
	split := func(v string) []string {
		return strings.FieldsFunc(strings.TrimSpace(v), func(r rune) bool {
			return r == '.' || r == '-' || r == '_' || r == '+'
		})
	}
	as, bs := split(a), split(b)
	for i := 0; i < len(as) || i < len(bs); i++ {
		at, bt := "", ""
		if i < len(as) {
			at = as[i]
		}
		if i < len(bs) {
			bt = bs[i]
		}
		an, aerr := strconv.Atoi(at)
		bn, berr := strconv.Atoi(bt)
		if aerr == nil && berr == nil {
			if an != bn {
				return sign(an - bn)
			}
			continue
		}
		if c := strings.Compare(at, bt); c != 0 {
			return c
		}
	}
	return 0
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
