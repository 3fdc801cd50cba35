// Package fakebackend is an in-memory record backend speaking the same REST
// and voice protocol as the real service. It backs the demo mode, the
// headless test mode and the end-to-end tests.
package fakebackend

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"voxrec/log"
	"voxrec/record"
	"voxrec/transport"
)

// Behavior changes how the server answers. The zero value is a well
// behaved backend.
type Behavior struct {
	// NoBody makes create and update reply 204 without a record.
	NoBody bool
	// Omit drops these fields from every record the server returns.
	Omit []string
	// VoiceError ends every voice session with an error event.
	VoiceError string
	// Silent never answers done; the session stays open until the client
	// gives up.
	Silent bool
	// Think delays update_result, sending processing every ThinkTick.
	Think     time.Duration
	ThinkTick time.Duration
}

type schemaInfo struct {
	fields []string
	labels map[string]string
}

var schemas = map[record.Kind]schemaInfo{
	record.KindContact:  {record.ContactSchema.Fields, record.ContactSchema.Labels},
	record.KindSchedule: {record.ScheduleSchema.Fields, record.ScheduleSchema.Labels},
}

// Server holds records per kind, keyed by remote id.
type Server struct {
	token  string
	router *gin.Engine

	mu          sync.Mutex
	records     map[record.Kind]map[string]record.Values
	nextID      int
	behavior    Behavior
	utterances  []string
	voiceCount  int
	lastHeader  transport.ClientMessage
	audioBytes  int
	cancelCount int
}

// New returns a server that requires token as a bearer token when token is
// not empty.
func New(token string) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		token:   token,
		records: make(map[record.Kind]map[string]record.Values),
	}
	for k := range schemas {
		s.records[k] = make(map[string]record.Values)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), s.auth())
	v1 := r.Group("/v1")
	{
		v1.GET("/health", s.health)
		v1.GET("/:kinds", s.list)
		v1.POST("/:kinds", s.create)
		v1.GET("/:kinds/:id", s.get)
		v1.PATCH("/:kinds/:id", s.update)
		v1.DELETE("/:kinds/:id", s.remove)
		v1.GET("/:kinds/:id/voice", s.voice)
	}
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Listen serves on addr ("127.0.0.1:0" picks a free port) and returns the
// base URL and a function that stops the server.
func (s *Server) Listen(addr string) (string, func() error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warnf("fakebackend: %v", err)
		}
	}()
	return "http://" + ln.Addr().String(), srv.Close, nil
}

func (s *Server) SetBehavior(b Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behavior = b
}

// Say queues the transcript of the next voice session. Without a queued
// utterance a session hears a note about its own length.
func (s *Server) Say(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utterances = append(s.utterances, text)
}

// Put stores values under kind and id, replacing what was there.
func (s *Server) Put(kind record.Kind, id string, v record.Values) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[kind][id] = v.Normalized(schemas[kind].fields)
}

func (s *Server) Get(kind record.Kind, id string) (record.Values, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.records[kind][id]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// VoiceStats reports how many voice sessions were opened and cancelled,
// and the header and audio volume of the last one.
func (s *Server) VoiceStats() (sessions, cancelled int, header transport.ClientMessage, audioBytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiceCount, s.cancelCount, s.lastHeader, s.audioBytes
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infof("fakebackend: %s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Microsecond))
	}
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token != "" && c.GetHeader("Authorization") != "Bearer "+s.token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// kind resolves the plural collection segment ("contacts") to a kind.
func kindParam(c *gin.Context) (record.Kind, bool) {
	kind, err := record.ParseKind(strings.TrimSuffix(c.Param("kinds"), "s"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return "", false
	}
	return kind, true
}

// card renders stored values the way the backend does: every schema field
// present, unset ones as null, minus the omitted fields.
func (s *Server) card(kind record.Kind, id string, v record.Values) record.Card {
	info := schemas[kind]
	c := record.Card{RemoteID: id, Fields: make(map[string]*string, len(info.fields))}
	for _, f := range info.fields {
		if val := v.Get(f); val != "" {
			c.Fields[f] = &val
		} else {
			c.Fields[f] = nil
		}
	}
	for _, f := range s.behavior.Omit {
		delete(c.Fields, f)
	}
	return c
}

func (s *Server) list(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]record.Card, 0, len(s.records[kind]))
	for id, v := range s.records[kind] {
		out = append(out, s.card(kind, id, v))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) get(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	id := c.Param("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.records[kind][id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("%s %s not found", kind, id)})
		return
	}
	c.JSON(http.StatusOK, s.card(kind, id, v))
}

func (s *Server) bindValues(c *gin.Context, kind record.Kind) (record.Values, bool) {
	var in map[string]string
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	info := schemas[kind]
	for f := range in {
		if !contains(info.fields, f) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": fmt.Sprintf("unknown field %q", f)})
			return nil, false
		}
	}
	return record.Values(in), true
}

func (s *Server) create(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	in, ok := s.bindValues(c, kind)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("%s-%d", string(kind)[:1], s.nextID)
	v := in.Normalized(schemas[kind].fields)
	s.records[kind][id] = v
	if s.behavior.NoBody {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusCreated, s.card(kind, id, v))
}

func (s *Server) update(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	in, ok := s.bindValues(c, kind)
	if !ok {
		return
	}
	id := c.Param("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.records[kind][id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("%s %s not found", kind, id)})
		return
	}
	next := v.Clone()
	for f, val := range in {
		next.Set(f, val)
	}
	next = next.Normalized(schemas[kind].fields)
	s.records[kind][id] = next
	if s.behavior.NoBody {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, s.card(kind, id, next))
}

func (s *Server) remove(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	id := c.Param("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[kind][id]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("%s %s not found", kind, id)})
		return
	}
	delete(s.records[kind], id)
	c.Status(http.StatusNoContent)
}

var intentRe = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(change|set|update|clear)\s+(?:the\s+)?(.+?)(?:\s+to\s+(.+?))?[.!]?\s*$`)

// Intent is a single field change parsed from a transcript.
type Intent struct {
	Field string
	Value string
}

// ParseIntent understands "set <field> to <value>" (also "change" and
// "update") and "clear <field>". Field names match case-insensitively on
// the field key, with spaces for underscores, or its label.
func ParseIntent(kind record.Kind, text string) (Intent, bool) {
	m := intentRe.FindStringSubmatch(text)
	if m == nil {
		return Intent{}, false
	}
	verb := strings.ToLower(m[1])
	field, ok := matchField(kind, m[2])
	if !ok {
		return Intent{}, false
	}
	if verb == "clear" {
		if m[3] != "" {
			return Intent{}, false
		}
		return Intent{Field: field}, true
	}
	value := strings.TrimSpace(m[3])
	if value == "" {
		return Intent{}, false
	}
	return Intent{Field: field, Value: value}, true
}

func matchField(kind record.Kind, phrase string) (string, bool) {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	info, ok := schemas[kind]
	if !ok {
		return "", false
	}
	for _, f := range info.fields {
		if phrase == f || phrase == strings.ReplaceAll(f, "_", " ") || phrase == strings.ToLower(info.labels[f]) {
			return f, true
		}
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
