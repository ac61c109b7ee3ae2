package lib

import (
	"errors"
	"net/http"
	"strings"

	"github.com/keyforum/captcha"
	"github.com/keyforum/captcha/internal"
	"github.com/keyforum/captcha/lib/lifecycle"
)

var ErrNoService = errors.New("lib: Options.Service is required")

type Options struct {
	Service *lifecycle.Service

	// Sweeper backs the admin sweep endpoint. One is created from Service
	// when nil; it is not started.
	Sweeper *lifecycle.Sweeper

	BasePrefix string
}

// Server is the HTTP boundary of the challenge service.
type Server struct {
	mux     *http.ServeMux
	handler http.Handler
	svc     *lifecycle.Service
	sweeper *lifecycle.Sweeper
	opts    Options
}

func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, ErrNoService
	}

	if opts.Sweeper == nil {
		sw, err := lifecycle.NewSweeper(opts.Service, opts.Service.SweepInterval())
		if err != nil {
			return nil, err
		}
		opts.Sweeper = sw
	}

	result := &Server{
		svc:     opts.Service,
		sweeper: opts.Sweeper,
		opts:    opts,
	}

	mux := http.NewServeMux()

	// Helper to add global prefix
	registerWithPrefix := func(pattern string, handler http.Handler, method string) {
		if method != "" {
			method = method + " " // methods must end with a space to register with them
		}

		// Ensure there's no double slash when concatenating BasePrefix and pattern
		basePrefix := strings.TrimSuffix(opts.BasePrefix, "/")
		prefix := method + basePrefix

		// If pattern doesn't start with a slash, add one
		if !strings.HasPrefix(pattern, "/") {
			pattern = "/" + pattern
		}

		mux.Handle(prefix+pattern, handler)
	}

	registerWithPrefix(captcha.APIPrefix+"issue", internal.GzipMiddleware(1, internal.NoStoreCache(http.HandlerFunc(result.IssueChallenge))), "POST")
	registerWithPrefix(captcha.ImagePath+"{token}", internal.NoStoreCache(http.HandlerFunc(result.ServeImage)), "GET")
	registerWithPrefix(captcha.APIPrefix+"verify", internal.GzipMiddleware(1, http.HandlerFunc(result.VerifyChallenge)), "POST")
	registerWithPrefix(captcha.APIPrefix+"stats", internal.GzipMiddleware(1, http.HandlerFunc(result.ServeStats)), "GET")

	result.mux = mux
	result.handler = internal.RequestID(mux)

	return result, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// AdminHandler serves operator endpoints. Mount it on a private listener
// only, next to the metrics.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sweep", s.TriggerSweep)
	mux.HandleFunc("GET /stats", s.ServeStats)
	return internal.RequestID(mux)
}

// imageURL is where a client of this server fetches the image for token.
func (s *Server) imageURL(token string) string {
	return strings.TrimSuffix(s.opts.BasePrefix, "/") + captcha.ImagePath + token
}
