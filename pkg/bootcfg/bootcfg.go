// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bootcfg renders the static files that turn a TFTP root and a Samba
// share into a WinPE network install: the share stanza, the pxelinux menu and
// the WinPE start script.
package bootcfg

import (
	"bytes"
	"text/template"
)

const (
	// DefaultShareName is the Samba share WinPE maps as drive Z:.
	DefaultShareName = "install"
	// DefaultSharePath holds the copied installation media.
	DefaultSharePath = "/srv/samba/install"
	// DefaultWinPEImage is the memdisk initrd named in the boot menu.
	DefaultWinPEImage = "winpe.iso"

	// DefaultMenuTitle and DefaultMenuTimeout (tenths of a second) configure
	// the pxelinux menu.
	DefaultMenuTitle   = "Network Boot"
	DefaultMenuTimeout = 50
)

// SambaShare describes a read-only guest share.
type SambaShare struct {
	Name string
	Path string
}

// BootMenu describes the pxelinux default menu.
type BootMenu struct {
	Title      string
	Timeout    int // tenths of a second
	WinPEImage string
}

// StartScript describes the WinPE startnet script.
type StartScript struct {
	ShareHost string
	ShareName string
	Drive     string
}

const sambaTemplate = `[{{.Name}}]
path = {{.Path}}
read only = yes
guest ok = yes
`

const bootMenuTemplate = `UI         menu.c32
MENU TITLE {{.Title}}
TIMEOUT    {{.Timeout}}

LABEL      winpe
MENU LABEL Boot Windows PE from network
KERNEL     /memdisk
INITRD     {{.WinPEImage}}
APPEND     iso raw

LABEL      localboot
MENU LABEL Boot from local disk
LOCALBOOT  0
`

const startScriptTemplate = `wpeinit
net use {{.Drive}}: \\{{.ShareHost}}\{{.ShareName}}
dir
{{.Drive}}:\setup.exe
`

var (
	sambaTmpl       = template.Must(template.New("samba").Parse(sambaTemplate))
	bootMenuTmpl    = template.Must(template.New("bootmenu").Parse(bootMenuTemplate))
	startScriptTmpl = template.Must(template.New("startscript").Parse(startScriptTemplate))
)

func mustRender(tmpl *template.Template, data any) string {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		// templates only reference string and int fields.
		panic(err)
	}
	return buf.String()
}

// String implements fmt.Stringer.
func (s SambaShare) String() string { return mustRender(sambaTmpl, s) }

// String implements fmt.Stringer.
func (m BootMenu) String() string { return mustRender(bootMenuTmpl, m) }

// String implements fmt.Stringer.
func (s StartScript) String() string { return mustRender(startScriptTmpl, s) }

// RenderSambaStanza renders the [install] share definition.
func RenderSambaStanza() string {
	return SambaShare{Name: DefaultShareName, Path: DefaultSharePath}.String()
}

// RenderBootMenu renders the pxelinux menu offering WinPE or local boot.
func RenderBootMenu() string {
	return BootMenu{Title: DefaultMenuTitle, Timeout: DefaultMenuTimeout, WinPEImage: DefaultWinPEImage}.String()
}

// RenderWinPEStartScript renders the script that maps the install share
// hosted at shareHostIP and launches setup. shareHostIP is not validated.
func RenderWinPEStartScript(shareHostIP string) string {
	return StartScript{ShareHost: shareHostIP, ShareName: DefaultShareName, Drive: "Z"}.String()
}
