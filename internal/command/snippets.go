package command

import (
	"fmt"
	"strings"
)

// MicroPython programs sent through the raw REPL. Errors are caught on the
// robot and printed as "ERROR <exception>" so they come back on stdout.

const resetTerminalCmd = "import os\nos.dupterm(None)\n"

const isRunningFile = "/lib/ble/isrunning"

const clearIsRunningCmd = "FILE_PATH = '" + isRunningFile + "'\n" +
	"with open(FILE_PATH, 'wb') as file:\n" +
	"   file.write(b'\\x00')\n"

func batteryCmd(pin string) string {
	return "from machine import ADC, Pin\n" +
		"print(ADC(Pin(" + pin + ")).read_u16())\n"
}

const versionCmd = "import os\n" +
	"import sys\n" +
	"import machine\n" +
	"print(sys.implementation[1])\n" +
	"print(sys.implementation[2])\n" +
	"try:\n" +
	"    f = open(\"/lib/XRPLib/version.py\", \"r\")\n" +
	"    while True:\n" +
	"        line = f.readline()\n" +
	"        if len(line) == 0:\n" +
	"            print(\"ERROR EOF\")\n" +
	"            break\n" +
	"        if \"__version__ = \" in line:\n" +
	"            print(line.split('\\'')[1])\n" +
	"            break\n" +
	"except:\n" +
	"    print(\"ERROR EX\")\n" +
	"print(''.join(['{:02x}'.format(b) for b in machine.unique_id()]))\n"

const fsTreeCmd = "import os\n" +
	"import gc\n" +
	"outstr = ''\n" +
	"gc.collect()\n" +
	"def walk(top, dir):\n" +
	"    global outstr\n" +
	"    extend = ''\n" +
	"    if top != '':\n" +
	"        extend = '/'\n" +
	"    item_index = 0\n" +
	"    for dirent in os.listdir(top):\n" +
	"        mode = os.stat(top + extend + dirent)[0]\n" +
	"        if mode == 32768:\n" +
	"            outstr = outstr + dir + ',' + str(item_index) + ',F,' + dirent + ';'\n" +
	"            item_index = item_index + 1\n" +
	"        elif mode == 16384:\n" +
	"            outstr = outstr + dir + ',' + str(item_index) + ',D,' + dirent + ';'\n" +
	"            item_index = item_index + 1\n" +
	"            walk(top + extend + dirent, dirent)\n" +
	"walk('', '')\n" +
	"print(outstr)\n" +
	"a = os.statvfs('/')\n" +
	"print(a[0], a[2], a[3])\n"

// quote renders s as a single-quoted Python literal.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`)
	return "'" + r.Replace(s) + "'"
}

func readFileCmd(path string, blockSize int) string {
	return "import ubinascii\n" +
		"try:\n" +
		"    with open(" + quote(path) + ", 'rb') as f:\n" +
		"        while True:\n" +
		fmt.Sprintf("            b = f.read(%d)\n", blockSize) +
		"            if not b:\n" +
		"                break\n" +
		"            print(ubinascii.hexlify(b).decode())\n" +
		"except OSError as e:\n" +
		"    print('ERROR', e)\n"
}

// writeFileCmd writes base64 chunks to path, truncating first unless appending.
func writeFileCmd(path string, chunks []string, appendTo bool) string {
	mode := "wb"
	if appendTo {
		mode = "ab"
	}
	var sb strings.Builder
	sb.WriteString("import ubinascii\n")
	sb.WriteString("try:\n")
	sb.WriteString("    f = open(" + quote(path) + ", '" + mode + "')\n")
	for _, c := range chunks {
		sb.WriteString("    f.write(ubinascii.a2b_base64('" + c + "'))\n")
	}
	sb.WriteString("    f.close()\n")
	sb.WriteString("except OSError as e:\n")
	sb.WriteString("    print('ERROR', e)\n")
	return sb.String()
}

func mkdirsCmd(dirs []string) string {
	var sb strings.Builder
	sb.WriteString("import os\n")
	for _, d := range dirs {
		sb.WriteString("try:\n")
		sb.WriteString("    os.mkdir(" + quote(d) + ")\n")
		sb.WriteString("except OSError:\n")
		sb.WriteString("    pass\n")
	}
	return sb.String()
}

func deleteCmd(path string) string {
	return "import os\n" +
		"def _rm(p):\n" +
		"    if os.stat(p)[0] == 16384:\n" +
		"        for n in os.listdir(p):\n" +
		"            _rm(p + '/' + n)\n" +
		"        os.rmdir(p)\n" +
		"    else:\n" +
		"        os.remove(p)\n" +
		"try:\n" +
		"    _rm(" + quote(path) + ")\n" +
		"except OSError as e:\n" +
		"    print('ERROR', e)\n"
}

func renameCmd(from, to string) string {
	return "import os\n" +
		"try:\n" +
		"    os.rename(" + quote(from) + ", " + quote(to) + ")\n" +
		"except OSError as e:\n" +
		"    print('ERROR', e)\n"
}

func runFileCmd(path string) string {
	return "exec(open(" + quote(path) + ").read())\n"
}
