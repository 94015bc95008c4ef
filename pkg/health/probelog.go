package health

import (
	"bytes"
	"strings"
	"time"
)

// probeLog buffers per-file probe detail while a check is running.
// Detail lines only reach the real log when the file fails, so a clean run
// of a thousand files stays quiet. One goroutine owns the buffers and is
// fed over a channel, no mutexes.
type probeLog struct {
	cmds chan probeCmd
	done chan struct{}
	logf func(string, ...any)
}

type probeAction int

const (
	probeBegin probeAction = iota
	probeAppend
	probeSuccess
	probeFlushErr
)

type probeCmd struct {
	act  probeAction
	url  string
	msg  string
	err  error
	when time.Time
}

func newProbeLog(logf func(string, ...any)) *probeLog {
	p := &probeLog{
		cmds: make(chan probeCmd, 128),
		done: make(chan struct{}),
		logf: logf,
	}
	go p.run()
	return p
}

func (p *probeLog) Begin(url string) {
	p.cmds <- probeCmd{act: probeBegin, url: url, when: time.Now()}
}

func (p *probeLog) Append(url, msg string) {
	p.cmds <- probeCmd{act: probeAppend, url: url, msg: msg, when: time.Now()}
}

func (p *probeLog) Success(url string) {
	p.cmds <- probeCmd{act: probeSuccess, url: url, when: time.Now()}
}

func (p *probeLog) FlushError(url string, err error) {
	p.cmds <- probeCmd{act: probeFlushErr, url: url, err: err, when: time.Now()}
}

// Close drains the command channel and stops the goroutine. Callers must not
// send after Close.
func (p *probeLog) Close() {
	close(p.cmds)
	<-p.done
}

func (p *probeLog) run() {
	defer close(p.done)
	buffers := make(map[string]*bytes.Buffer)

	for c := range p.cmds {
		switch c.act {
		case probeBegin:
			buffers[c.url] = &bytes.Buffer{}

		case probeAppend:
			if b := buffers[c.url]; b != nil {
				b.WriteString(c.msg + "\n")
			} else {
				p.logf("%s", c.msg)
			}

		case probeSuccess:
			// Quiet path: the buffered detail is thrown away.
			delete(buffers, c.url)

		case probeFlushErr:
			if b := buffers[c.url]; b != nil {
				for _, ln := range strings.Split(strings.TrimRight(b.String(), "\n"), "\n") {
					if ln != "" {
						p.logf("%s", ln)
					}
				}
				delete(buffers, c.url)
			}
			p.logf("health: %s failed: %v", shortName(c.url), c.err)
		}
	}
}
