package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ghodss/yaml"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/semaphoreci/activitylog/pkg/compression"
	"github.com/semaphoreci/activitylog/pkg/events"
	"github.com/semaphoreci/activitylog/pkg/query"
	"github.com/semaphoreci/activitylog/pkg/summary"
	log "github.com/sirupsen/logrus"
)

// Source loads the current state of the log. It is called on every
// request, so a log that is still being written is always seen up to date.
type Source func() (*query.Query, error)

type ServerConfig struct {
	Host      string
	Port      int
	Version   string
	JWTSecret []byte
	HintBytes int

	// Raw log served by /log. Also used to build the default Source.
	LogPath string
	Source  Source

	// Access log. Defaults to stdout.
	AccessLog io.Writer
}

type Server struct {
	config ServerConfig
	router *mux.Router
}

func FileSource(path string) Source {
	return func() (*query.Query, error) {
		return query.LoadFile(path)
	}
}

func NewServer(config ServerConfig) *Server {
	if config.Source == nil && config.LogPath != "" {
		config.Source = FileSource(config.LogPath)
	}

	if config.AccessLog == nil {
		config.AccessLog = os.Stdout
	}

	server := &Server{config: config}

	jwtMiddleware := CreateJwtMiddleware(config.JWTSecret)
	router := mux.NewRouter().StrictSlash(true)

	router.HandleFunc("/status", jwtMiddleware(server.Status)).Methods("GET")
	router.HandleFunc("/log", jwtMiddleware(server.RawLog)).Methods("GET")
	router.HandleFunc("/summary", jwtMiddleware(server.Summary)).Methods("GET")
	router.HandleFunc("/operations", jwtMiddleware(server.Operations)).Methods("GET")
	router.HandleFunc("/operations/open", jwtMiddleware(server.OpenOperations)).Methods("GET")
	router.HandleFunc("/agreements/{agreement}/tasks/{task}/commands/{index:[0-9]+}", jwtMiddleware(server.Command)).Methods("GET")
	router.HandleFunc("/agreements/{agreement}/tasks/{task}/transfers/{index:[0-9]+}", jwtMiddleware(server.Transfer)).Methods("GET")

	server.router = router
	return server
}

func (s *Server) Serve() error {
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	log.Infof("Activity log server %s listening on http://%s", s.config.Version, address)

	if len(s.config.JWTSecret) == 0 {
		log.Warn("No auth token secret configured - the server accepts unauthenticated requests")
	}

	loggedRouter := handlers.LoggingHandler(s.config.AccessLog, s.router)
	return http.ListenAndServe(address, loggedRouter)
}

type statusResponse struct {
	Version  string   `json:"version"`
	Records  int      `json:"records"`
	Warnings []string `json:"warnings"`
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	q, ok := s.load(w, r)
	if !ok {
		return
	}

	warnings := []string{}
	for _, warning := range q.Warnings() {
		warnings = append(warnings, warning.String())
	}

	writeResponse(w, r, http.StatusOK, statusResponse{
		Version:  s.config.Version,
		Records:  len(q.Records()),
		Warnings: warnings,
	})
}

// RawLog streams the log lines, starting from the start_from line.
func (s *Server) RawLog(w http.ResponseWriter, r *http.Request) {
	if s.config.LogPath == "" {
		writeMessage(w, r, http.StatusNotFound, "no log file configured")
		return
	}

	startFromLine, err := strconv.Atoi(r.URL.Query().Get("start_from"))
	if err != nil {
		startFromLine = 0
	}

	logfile, err := compression.Open(s.config.LogPath)
	if err != nil {
		writeMessage(w, r, http.StatusNotFound, err.Error())
		return
	}

	defer logfile.Close()

	w.Header().Add("Content-Type", "text/plain")

	logLine := 0
	scanner := bufio.NewScanner(logfile)
	scanner.Buffer(make([]byte, 0, 64*1024), query.MaxLineSize)
	for scanner.Scan() {
		if logLine >= startFromLine {
			fmt.Fprintln(w, scanner.Text())
		}

		logLine++
	}

	if err := scanner.Err(); err != nil {
		log.Errorf("Error reading %s: %v", s.config.LogPath, err)
	}
}

type lineResponse struct {
	Timestamp  time.Time `json:"timestamp"`
	Key        string    `json:"key"`
	Provider   string    `json:"provider,omitempty"`
	Kind       string    `json:"kind"`
	Descriptor string    `json:"descriptor"`
	Success    bool      `json:"success"`
	Unmatched  bool      `json:"unmatched,omitempty"`
	Hint       string    `json:"hint,omitempty"`
	Message    string    `json:"message"`
}

type pendingResponse struct {
	Key        string    `json:"key"`
	Kind       string    `json:"kind"`
	Descriptor string    `json:"descriptor"`
	OpenedAt   time.Time `json:"opened_at"`
}

type summaryResponse struct {
	Closed []lineResponse    `json:"closed"`
	Open   []pendingResponse `json:"open"`
}

func (s *Server) Summary(w http.ResponseWriter, r *http.Request) {
	q, ok := s.load(w, r)
	if !ok {
		return
	}

	lines, open := summary.Replay(q.Records(), s.config.HintBytes)

	response := summaryResponse{Closed: []lineResponse{}, Open: pendingResponses(open)}
	for _, line := range lines {
		response.Closed = append(response.Closed, lineResponse{
			Timestamp:  line.Timestamp,
			Key:        line.Key.String(),
			Provider:   line.Provider,
			Kind:       string(line.Kind),
			Descriptor: line.Descriptor,
			Success:    line.Success,
			Unmatched:  line.Unmatched,
			Hint:       line.Hint,
			Message:    line.Message(),
		})
	}

	writeResponse(w, r, http.StatusOK, response)
}

func (s *Server) OpenOperations(w http.ResponseWriter, r *http.Request) {
	q, ok := s.load(w, r)
	if !ok {
		return
	}

	_, open := summary.Replay(q.Records(), s.config.HintBytes)
	writeResponse(w, r, http.StatusOK, pendingResponses(open))
}

func (s *Server) Operations(w http.ResponseWriter, r *http.Request) {
	q, ok := s.load(w, r)
	if !ok {
		return
	}

	keys := []string{}
	for _, key := range q.Keys() {
		keys = append(keys, key.String())
	}

	writeResponse(w, r, http.StatusOK, keys)
}

type commandResponse struct {
	Key              string   `json:"key"`
	EntryPoint       string   `json:"entry_point"`
	Args             []string `json:"args"`
	Stdout           string   `json:"stdout"`
	Stderr           string   `json:"stderr"`
	Complete         bool     `json:"complete"`
	Success          bool     `json:"success"`
	ExitMessage      *string  `json:"exit_message"`
	ExitStatus       *int     `json:"exit_status"`
	PossiblyNegative bool     `json:"possibly_negative_exit,omitempty"`
}

func (s *Server) Command(w http.ResponseWriter, r *http.Request) {
	q, ok := s.load(w, r)
	if !ok {
		return
	}

	key, ok := keyFromRequest(w, r)
	if !ok {
		return
	}

	outcome, err := q.CommandOutcome(key)
	if outcome == nil {
		writeError(w, r, err)
		return
	}

	response := commandResponse{
		Key:         key.String(),
		EntryPoint:  outcome.EntryPoint,
		Args:        outcome.Args,
		Stdout:      string(outcome.Stdout),
		Stderr:      string(outcome.Stderr),
		Complete:    err == nil,
		Success:     outcome.Success,
		ExitMessage: outcome.ExitMessage,
	}

	if response.Args == nil {
		response.Args = []string{}
	}

	if err == nil {
		if code, ok := outcome.ExitStatus(); ok {
			response.ExitStatus = &code
			response.PossiblyNegative = outcome.PossiblyNegativeExit()
		}
	}

	writeResponse(w, r, statusFor(err), response)
}

type transferResponse struct {
	Key      string `json:"key"`
	From     string `json:"from"`
	To       string `json:"to"`
	Complete bool   `json:"complete"`
	Success  bool   `json:"success"`
}

func (s *Server) Transfer(w http.ResponseWriter, r *http.Request) {
	q, ok := s.load(w, r)
	if !ok {
		return
	}

	key, ok := keyFromRequest(w, r)
	if !ok {
		return
	}

	outcome, err := q.TransferOutcome(key)
	if outcome == nil {
		writeError(w, r, err)
		return
	}

	writeResponse(w, r, statusFor(err), transferResponse{
		Key:      key.String(),
		From:     outcome.From,
		To:       outcome.To,
		Complete: err == nil,
		Success:  outcome.Success,
	})
}

func (s *Server) load(w http.ResponseWriter, r *http.Request) (*query.Query, bool) {
	if s.config.Source == nil {
		writeMessage(w, r, http.StatusNotFound, "no log configured")
		return nil, false
	}

	q, err := s.config.Source()
	if err != nil {
		log.Errorf("Error loading log: %v", err)

		if errors.Is(err, os.ErrNotExist) {
			writeMessage(w, r, http.StatusNotFound, err.Error())
		} else {
			writeMessage(w, r, http.StatusInternalServerError, err.Error())
		}

		return nil, false
	}

	return q, true
}

func keyFromRequest(w http.ResponseWriter, r *http.Request) (events.Key, bool) {
	vars := mux.Vars(r)

	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		writeMessage(w, r, http.StatusBadRequest, fmt.Sprintf("invalid index %q", vars["index"]))
		return events.Key{}, false
	}

	return events.Key{AgreementID: vars["agreement"], TaskID: vars["task"], CmdIndex: index}, true
}

func pendingResponses(open []summary.Pending) []pendingResponse {
	response := []pendingResponse{}
	for _, pending := range open {
		response = append(response, pendingResponse{
			Key:        pending.Key.String(),
			Kind:       string(pending.Kind),
			Descriptor: pending.Descriptor,
			OpenedAt:   pending.OpenedAt,
		})
	}

	return response
}

// An incomplete operation still has a partial outcome to show.
func statusFor(err error) int {
	if errors.Is(err, query.ErrIncomplete) {
		return http.StatusConflict
	}

	return http.StatusOK
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, query.ErrNotFound):
		writeMessage(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, query.ErrIncomplete):
		writeMessage(w, r, http.StatusConflict, err.Error())
	default:
		writeMessage(w, r, http.StatusInternalServerError, err.Error())
	}
}

func writeMessage(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeResponse(w, r, status, map[string]string{"message": message})
}

// writeResponse renders JSON, or YAML for ?format=yaml.
func writeResponse(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	if r.URL.Query().Get("format") == "yaml" {
		data, err := yaml.Marshal(body)
		if err != nil {
			log.Errorf("Error rendering YAML response: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/x-yaml")
		w.WriteHeader(status)
		_, _ = w.Write(data)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
