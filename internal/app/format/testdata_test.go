package format

import (
	"io"
	"log/slog"
	"strings"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

var simpleMessage = crlf(`From: Alice <alice@example.com>
To: Bob <bob@example.com>
Subject: Hello
Date: Mon, 02 Jan 2006 15:04:05 -0700
Message-ID: <simple-1@example.com>
Content-Type: text/plain; charset=utf-8

Hello, World!
`)

var multipartMessage = crlf(`From: =?UTF-8?B?0JjQstCw0L0=?= <ivan@example.ru>
To: alice@example.com, "Doe, John" <john@example.com>
Cc: carol@example.com
Subject: =?UTF-8?Q?Otch=C3=A9t?= for Q1
Date: Tue, 1 Jul 2003 10:52:37 +0200
Message-ID: <multi-1@example.ru>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

This is a multi-part message in MIME format.
--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain; charset=utf-8
Content-Transfer-Encoding: base64

0J/RgNC40LLQtdGCLCDQvNC40YAh
--inner
Content-Type: text/html; charset=utf-8
Content-Transfer-Encoding: quoted-printable

<p>Hello=20<b>world</b></p>
--inner--
--outer
Content-Type: application/pdf; name="report.pdf"
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQ=
--outer--
`)
