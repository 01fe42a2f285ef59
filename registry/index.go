package registry

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Per-index match weights. Tool-name hits are the strongest signal, plain
// keyword hits the weakest.
const (
	keywordIndexWeight  = 1.0
	tagIndexWeight      = 2.0
	capIndexWeight      = 3.0
	toolNameIndexWeight = 4.0
)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "have": true, "was": true, "are": true,
	"you": true, "your": true, "can": true, "will": true, "not": true,
	"but": true, "all": true, "any": true, "get": true, "has": true,
	"had": true, "what": true, "when": true, "where": true, "how": true,
	"why": true, "who": true, "its": true, "his": true, "her": true,
	"our": true, "out": true, "about": true, "into": true, "over": true,
	"then": true, "than": true, "them": true, "they": true, "their": true,
	"would": true, "could": true, "should": true, "there": true,
	"been": true, "being": true, "does": true, "did": true, "just": true,
	"also": true, "some": true, "very": true, "please": true, "want": true,
	"need": true, "like": true, "now": true, "today": true,
}

// NormalizeTerm lowercases, trims, and strips characters outside
// [a-z0-9-]. Terms shorter than two characters normalise to "".
func NormalizeTerm(term string) string {
	term = strings.ToLower(strings.TrimSpace(term))
	var b strings.Builder
	for _, r := range term {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	normalized := b.String()
	if len(normalized) < 2 {
		return ""
	}
	return normalized
}

// Tokenize splits free text into normalised tokens, dropping stop words
// and tokens shorter than three characters.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-'
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 || stopWords[f] {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// IsStopWord reports whether the token is in the shared stop-word list.
func IsStopWord(token string) bool {
	return stopWords[token]
}

// IndexHit is one scored service from an index search.
type IndexHit struct {
	ServiceID string
	Name      string
	Score     float64
	Priority  int
}

// indexSnapshot is an immutable view of all four inverted indexes. The
// CapabilityIndex swaps whole snapshots atomically so concurrent searches
// never observe a partially rebuilt index.
type indexSnapshot struct {
	keyword  map[string]map[string]bool // term -> set of service ids
	tag      map[string]map[string]bool
	cap      map[string]map[string]bool
	toolName map[string]map[string]bool
	services map[string]serviceMeta
}

type serviceMeta struct {
	name     string
	priority int
}

func newIndexSnapshot() *indexSnapshot {
	return &indexSnapshot{
		keyword:  make(map[string]map[string]bool),
		tag:      make(map[string]map[string]bool),
		cap:      make(map[string]map[string]bool),
		toolName: make(map[string]map[string]bool),
		services: make(map[string]serviceMeta),
	}
}

func (s *indexSnapshot) clone() *indexSnapshot {
	out := newIndexSnapshot()
	for term, ids := range s.keyword {
		out.keyword[term] = cloneSet(ids)
	}
	for term, ids := range s.tag {
		out.tag[term] = cloneSet(ids)
	}
	for term, ids := range s.cap {
		out.cap[term] = cloneSet(ids)
	}
	for term, ids := range s.toolName {
		out.toolName[term] = cloneSet(ids)
	}
	for id, meta := range s.services {
		out.services[id] = meta
	}
	return out
}

func cloneSet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k := range in {
		out[k] = true
	}
	return out
}

func (s *indexSnapshot) add(index map[string]map[string]bool, term, serviceID string) {
	term = NormalizeTerm(term)
	if term == "" {
		return
	}
	ids, ok := index[term]
	if !ok {
		ids = make(map[string]bool)
		index[term] = ids
	}
	ids[serviceID] = true
}

func (s *indexSnapshot) removeService(serviceID string) {
	for _, index := range []map[string]map[string]bool{s.keyword, s.tag, s.cap, s.toolName} {
		for term, ids := range index {
			delete(ids, serviceID)
			if len(ids) == 0 {
				delete(index, term)
			}
		}
	}
	delete(s.services, serviceID)
}

// CapabilityIndex maintains keyword, tag, capability and tool-name
// inverted indexes over registered services. Mutations rebuild a copy and
// swap it in atomically; searches are lock-free reads of the current
// snapshot.
type CapabilityIndex struct {
	mu       sync.Mutex // serialises writers
	snapshot atomic.Pointer[indexSnapshot]
}

// NewCapabilityIndex creates an empty index.
func NewCapabilityIndex() *CapabilityIndex {
	idx := &CapabilityIndex{}
	idx.snapshot.Store(newIndexSnapshot())
	return idx
}

// AddService indexes a service definition: its keywords, tags,
// capabilities (whole phrase and tokens), and description tokens.
func (ci *CapabilityIndex) AddService(def *ServiceDefinition) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	snap := ci.snapshot.Load().clone()
	snap.services[def.ID] = serviceMeta{name: def.Name, priority: def.Priority}

	for _, kw := range def.Keywords {
		snap.add(snap.keyword, kw, def.ID)
	}
	for _, tag := range def.Tags {
		snap.add(snap.tag, tag, def.ID)
	}
	for _, capability := range def.Capabilities {
		snap.add(snap.cap, capability, def.ID)
		for _, token := range Tokenize(capability) {
			snap.add(snap.cap, token, def.ID)
		}
	}
	for _, token := range Tokenize(def.Description) {
		snap.add(snap.keyword, token, def.ID)
	}

	ci.snapshot.Store(snap)
}

// AddTools indexes tool names in the tool-name index and tool description
// tokens in the keyword index.
func (ci *CapabilityIndex) AddTools(serviceID string, tools []ToolSchema) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	snap := ci.snapshot.Load().clone()
	for _, tool := range tools {
		snap.add(snap.toolName, tool.Name, serviceID)
		// Dotted tool names also index by their segments.
		for _, segment := range strings.Split(tool.Name, ".") {
			snap.add(snap.toolName, segment, serviceID)
		}
		for _, token := range Tokenize(tool.Description) {
			snap.add(snap.keyword, token, serviceID)
		}
	}
	ci.snapshot.Store(snap)
}

// RemoveService drops a service from every index.
func (ci *CapabilityIndex) RemoveService(serviceID string) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	snap := ci.snapshot.Load().clone()
	snap.removeService(serviceID)
	ci.snapshot.Store(snap)
}

// Search tokenises the query, scores every index hit, and returns the
// top-limit services. Exact term matches score double a prefix match;
// ties break by service priority descending.
func (ci *CapabilityIndex) Search(query string, limit int) []IndexHit {
	snap := ci.snapshot.Load()
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil
	}

	scores := make(map[string]float64)
	for _, token := range tokens {
		scoreIndex(snap.keyword, token, keywordIndexWeight, scores)
		scoreIndex(snap.tag, token, tagIndexWeight, scores)
		scoreIndex(snap.cap, token, capIndexWeight, scores)
		scoreIndex(snap.toolName, token, toolNameIndexWeight, scores)
	}

	hits := make([]IndexHit, 0, len(scores))
	for id, score := range scores {
		meta := snap.services[id]
		hits = append(hits, IndexHit{
			ServiceID: id,
			Name:      meta.name,
			Score:     score,
			Priority:  meta.priority,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Priority != hits[j].Priority {
			return hits[i].Priority > hits[j].Priority
		}
		return hits[i].ServiceID < hits[j].ServiceID
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func scoreIndex(index map[string]map[string]bool, token string, weight float64, scores map[string]float64) {
	for term, ids := range index {
		var contribution float64
		switch {
		case term == token:
			contribution = weight * 2
		case strings.HasPrefix(term, token) || strings.HasPrefix(token, term):
			contribution = weight
		default:
			continue
		}
		for id := range ids {
			scores[id] += contribution
		}
	}
}
