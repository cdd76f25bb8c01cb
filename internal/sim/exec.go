package sim

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// The robot side of the host's generated programs. Only the shapes the
// host actually sends are understood; anything else runs through a tiny
// line interpreter that handles print, loops and timers.

const lit = `'((?:[^'\\]|\\.)*)'`

var (
	reADC       = regexp.MustCompile(`ADC\(Pin\((\d+)\)\)\.read_u16\(\)`)
	reFilePath  = regexp.MustCompile(`FILE_PATH = ` + lit)
	reReadOpen  = regexp.MustCompile(`open\(` + lit + `, 'rb'\)`)
	reReadSize  = regexp.MustCompile(`f\.read\((\d+)\)`)
	reWriteOpen = regexp.MustCompile(`open\(` + lit + `, '(wb|ab)'\)`)
	reB64       = regexp.MustCompile(`a2b_base64\('([A-Za-z0-9+/=]*)'\)`)
	reMkdir     = regexp.MustCompile(`os\.mkdir\(` + lit + `\)`)
	reRm        = regexp.MustCompile(`_rm\(` + lit + `\)`)
	reRename    = regexp.MustCompile(`os\.rename\(` + lit + `, ` + lit + `\)`)
	reExecFile  = regexp.MustCompile(`exec\(open\(` + lit + `\)\.read\(\)\)`)
	rePrintStr  = regexp.MustCompile(`^\s*print\((['"])(.*)['"]\)\s*$`)
	rePrintNum  = regexp.MustCompile(`^\s*print\((-?[0-9.]+)\)\s*$`)
	reOpenRead  = regexp.MustCompile(`open\(['"]([^'"]+)['"]\)`)
)

func unescape(s string) string {
	return strings.NewReplacer(`\\`, `\`, `\'`, `'`, `\n`, "\n", `\r`, "\r").Replace(s)
}

type execResult struct {
	stdout string
	stderr string
	loops  bool // the program keeps running after its output
}

func traceback(exc string) string {
	return "Traceback (most recent call last):\r\n  File \"<stdin>\", line 1, in <module>\r\n" + exc + "\r\n"
}

func errorLine(errno string) string {
	return "ERROR " + errno + "\r\n"
}

func (d *Device) execLocked(src string) execResult {
	switch {
	case strings.Contains(src, "def walk("):
		return execResult{stdout: d.fs.walk() + "\r\n" +
			fmt.Sprintf("%d %d %d\r\n", fsBlockSize, fsTotalBlocks, fsTotalBlocks-d.fs.usedBlocks())}

	case strings.Contains(src, "sys.implementation[1]"):
		version := "ERROR EX"
		if b, ok := d.fs.readFile("/lib/XRPLib/version.py"); ok {
			version = "ERROR EOF"
			for _, line := range strings.Split(string(b), "\n") {
				if strings.Contains(line, "__version__ = ") {
					if parts := strings.Split(line, "'"); len(parts) > 1 {
						version = parts[1]
					}
					break
				}
			}
		}
		return execResult{stdout: d.cfg.MicroPython + "\r\n" + d.cfg.Platform + "\r\n" + version + "\r\n" + d.cfg.BoardID + "\r\n"}

	case reADC.MatchString(src):
		return execResult{stdout: strconv.Itoa(d.cfg.BatteryRaw) + "\r\n"}

	case strings.Contains(src, "os.dupterm(None)"):
		return execResult{}

	case reFilePath.MatchString(src):
		p := unescape(reFilePath.FindStringSubmatch(src)[1])
		d.fs.writeFile(p, []byte{0})
		return execResult{}

	case reReadOpen.MatchString(src):
		return d.readFileLocked(src)

	case reWriteOpen.MatchString(src):
		return d.writeFileLocked(src)

	case reMkdir.MatchString(src):
		for _, m := range reMkdir.FindAllStringSubmatch(src, -1) {
			d.fs.mkdir(unescape(m[1]))
		}
		return execResult{}

	case reRm.MatchString(src):
		if e := d.fs.remove(unescape(reRm.FindStringSubmatch(src)[1])); e != "" {
			return execResult{stdout: errorLine(e)}
		}
		return execResult{}

	case reRename.MatchString(src):
		m := reRename.FindStringSubmatch(src)
		if e := d.fs.rename(unescape(m[1]), unescape(m[2])); e != "" {
			return execResult{stdout: errorLine(e)}
		}
		return execResult{}

	case strings.Contains(src, "reset_hard()"):
		d.timers = false
		return execResult{}

	case reExecFile.MatchString(src):
		p := unescape(reExecFile.FindStringSubmatch(src)[1])
		body, ok := d.fs.readFile(p)
		if !ok {
			return execResult{stderr: traceback("OSError: [Errno 2] ENOENT")}
		}
		return d.runProgramLocked(string(body))
	}
	return d.runProgramLocked(src)
}

func (d *Device) readFileLocked(src string) execResult {
	p := unescape(reReadOpen.FindStringSubmatch(src)[1])
	size := 256
	if m := reReadSize.FindStringSubmatch(src); m != nil {
		size, _ = strconv.Atoi(m[1])
	}
	body, ok := d.fs.readFile(p)
	if !ok {
		return execResult{stdout: errorLine("[Errno 2] ENOENT")}
	}
	var sb strings.Builder
	for len(body) > 0 {
		n := min(size, len(body))
		sb.WriteString(hex.EncodeToString(body[:n]) + "\r\n")
		body = body[n:]
	}
	return execResult{stdout: sb.String()}
}

func (d *Device) writeFileLocked(src string) execResult {
	m := reWriteOpen.FindStringSubmatch(src)
	p, mode := unescape(m[1]), m[2]
	if !d.fs.parentExists(p) {
		return execResult{stdout: errorLine("[Errno 2] ENOENT")}
	}
	var data []byte
	for _, c := range reB64.FindAllStringSubmatch(src, -1) {
		b, err := base64.StdEncoding.DecodeString(c[1])
		if err != nil {
			return execResult{stderr: traceback("ValueError: incorrect padding")}
		}
		data = append(data, b...)
	}
	if mode == "wb" {
		d.fs.writeFile(p, data)
	} else {
		d.fs.appendFile(p, data)
	}
	return execResult{}
}

// runProgramLocked interprets a user program line by line.
func (d *Device) runProgramLocked(src string) execResult {
	var res execResult
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case rePrintStr.MatchString(line):
			res.stdout += unescape(rePrintStr.FindStringSubmatch(line)[2]) + "\r\n"
		case rePrintNum.MatchString(line):
			res.stdout += rePrintNum.FindStringSubmatch(line)[1] + "\r\n"
		case strings.Contains(line, "get_default_gamepad()"):
			res.stdout += "\x1be"
		case strings.HasPrefix(trimmed, "while True"):
			res.loops = true
			return res
		case strings.Contains(line, "Timer("):
			d.timers = true
		case reOpenRead.MatchString(line):
			if _, ok := d.fs.readFile(reOpenRead.FindStringSubmatch(line)[1]); !ok {
				res.stderr = traceback("OSError: [Errno 2] ENOENT")
				return res
			}
		}
	}
	return res
}
