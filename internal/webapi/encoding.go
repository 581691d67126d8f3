package webapi

import (
	"encoding/base64"
	"fmt"

	"github.com/cryguy/scriptd/internal/core"
	"github.com/cryguy/scriptd/internal/eventloop"
	"github.com/cryguy/scriptd/internal/textcodec"
)

// encodingJS defines the binary helpers shared by the other builtins and the
// TextEncoder/TextDecoder pair. Strings cross into Go as little-endian
// UTF-16 code units so lone surrogates survive the trip.
const encodingJS = `
(function() {
	globalThis.__toBytes = function(data) {
		if (data instanceof Uint8Array) return data;
		if (data instanceof ArrayBuffer) return new Uint8Array(data);
		if (ArrayBuffer.isView(data)) return new Uint8Array(data.buffer, data.byteOffset, data.byteLength);
		throw new TypeError('expected an ArrayBuffer or a typed array');
	};

	var B64 = 'ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/';
	var B64_INDEX = {};
	for (var k = 0; k < B64.length; k++) B64_INDEX[B64.charAt(k)] = k;

	// Base64 stays in JS: Go-bound string arguments end at the first NUL.
	function encodeB64(byteAt, n) {
		var parts = [];
		var chunk = '';
		for (var i = 0; i < n; i += 3) {
			var b0 = byteAt(i);
			var b1 = i + 1 < n ? byteAt(i + 1) : 0;
			var b2 = i + 2 < n ? byteAt(i + 2) : 0;
			chunk += B64.charAt(b0 >> 2) + B64.charAt(((b0 & 3) << 4) | (b1 >> 4)) +
				(i + 1 < n ? B64.charAt(((b1 & 15) << 2) | (b2 >> 6)) : '=') +
				(i + 2 < n ? B64.charAt(b2 & 63) : '=');
			if (chunk.length >= 8192) { parts.push(chunk); chunk = ''; }
		}
		parts.push(chunk);
		return parts.join('');
	}

	function decodeB64(input, name) {
		var s = String(input).replace(/[\t\n\f\r ]/g, '');
		if (s.length % 4 === 0 && s.length > 0) {
			if (s.charAt(s.length - 1) === '=') s = s.slice(0, s.charAt(s.length - 2) === '=' ? -2 : -1);
		}
		if (s.length % 4 === 1 || /[^A-Za-z0-9+\/]/.test(s)) {
			throw new Error(name + ': invalid base64 string');
		}
		var out = new Uint8Array((s.length * 3) >> 2);
		var o = 0, acc = 0, bits = 0;
		for (var i = 0; i < s.length; i++) {
			acc = ((acc << 6) | B64_INDEX[s.charAt(i)]) & 0xFFFFFF;
			bits += 6;
			if (bits >= 8) {
				bits -= 8;
				out[o++] = (acc >> bits) & 0xFF;
			}
		}
		return out;
	}

	globalThis.__bytesToB64 = function(data) {
		var bytes = __toBytes(data);
		return encodeB64(function(i) { return bytes[i]; }, bytes.length);
	};

	globalThis.__b64ToBytes = function(b64) {
		return decodeB64(b64, 'atob');
	};

	globalThis.btoa = function(data) {
		if (arguments.length === 0) throw new TypeError('btoa: 1 argument required');
		var s = String(data);
		for (var i = 0; i < s.length; i++) {
			if (s.charCodeAt(i) > 0xFF) throw new Error('btoa: string contains characters outside of the Latin1 range');
		}
		return encodeB64(function(i) { return s.charCodeAt(i); }, s.length);
	};

	globalThis.atob = function(data) {
		if (arguments.length === 0) throw new TypeError('atob: 1 argument required');
		var bytes = decodeB64(data, 'atob');
		var parts = [];
		for (var i = 0; i < bytes.length; i += 8192) {
			parts.push(String.fromCharCode.apply(null, bytes.subarray(i, Math.min(i + 8192, bytes.length))));
		}
		return parts.join('');
	};

	globalThis.__unitsToBytes = function(s) {
		var buf = new ArrayBuffer(s.length * 2);
		var dv = new DataView(buf);
		for (var i = 0; i < s.length; i++) dv.setUint16(i * 2, s.charCodeAt(i), true);
		return buf;
	};

	function unitsFromBytes(bytes) {
		var dv = new DataView(bytes.buffer, bytes.byteOffset, bytes.byteLength);
		var n = bytes.byteLength >> 1;
		var parts = [];
		for (var i = 0; i < n; i += 8192) {
			var end = Math.min(i + 8192, n);
			var chunk = new Array(end - i);
			for (var j = i; j < end; j++) chunk[j - i] = dv.getUint16(j * 2, true);
			parts.push(String.fromCharCode.apply(null, chunk));
		}
		return parts.join('');
	}

	class TextEncoder {
		get encoding() { return 'utf-8'; }
		encode(input) {
			var s = input === undefined ? '' : String(input);
			if (s.length === 0) return new Uint8Array(0);
			return __b64ToBytes(__utf8Encode(__bytesToB64(__unitsToBytes(s))));
		}
		encodeInto(input, dest) {
			var bytes = this.encode(input);
			var n = Math.min(bytes.length, dest.length);
			dest.set(bytes.subarray(0, n));
			return { read: n === bytes.length ? String(input).length : undefined, written: n };
		}
	}

	class TextDecoder {
		constructor(label) {
			var l = label === undefined ? 'utf-8' : String(label).trim().toLowerCase();
			if (l !== 'utf-8' && l !== 'utf8' && l !== 'unicode-1-1-utf-8') {
				throw new RangeError('TextDecoder: unsupported encoding ' + label);
			}
		}
		get encoding() { return 'utf-8'; }
		decode(input) {
			if (input === undefined || input === null) return '';
			var bytes = __toBytes(input);
			if (bytes.length === 0) return '';
			return unitsFromBytes(__b64ToBytes(__utf8Decode(__bytesToB64(bytes))));
		}
	}

	globalThis.TextEncoder = TextEncoder;
	globalThis.TextDecoder = TextDecoder;
})();
`

// SetupEncoding installs atob/btoa and the Go-backed UTF-8 codec behind
// TextEncoder and TextDecoder.
func SetupEncoding(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	// __utf8Encode(b64 of UTF-16LE units) -> b64 of UTF-8 bytes.
	if err := rt.RegisterFunc("__utf8Encode", func(b64 string) (string, error) {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return "", fmt.Errorf("TextEncoder: %v", err)
		}
		out := textcodec.Encode(textcodec.BytesToUnits(raw))
		return base64.StdEncoding.EncodeToString(out), nil
	}); err != nil {
		return err
	}

	// __utf8Decode(b64 of UTF-8 bytes) -> b64 of UTF-16LE units.
	if err := rt.RegisterFunc("__utf8Decode", func(b64 string) (string, error) {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return "", fmt.Errorf("TextDecoder: %v", err)
		}
		units := textcodec.Decode(raw)
		return base64.StdEncoding.EncodeToString(textcodec.UnitsToBytes(units)), nil
	}); err != nil {
		return err
	}

	if err := rt.Eval(encodingJS); err != nil {
		return fmt.Errorf("evaluating encoding.js: %w", err)
	}
	return nil
}
