package rewrite

import "testing"

func TestRewrite_AbsolutePaths(t *testing.T) {
	got := string(Rewrite([]byte(`<a href="/x/y">link</a>`), "index.html", "/b/"))
	want := `<a href="/b/x/y">link</a>`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRewrite_ExternalUntouched(t *testing.T) {
	for _, in := range []string{
		`<a href="https://e/">x</a>`,
		`<a href="http://e/path">x</a>`,
		`<a href="//cdn.e/lib.js">x</a>`,
		`<a href="#section">x</a>`,
		`<a href="mailto:a@b.c">x</a>`,
		`<img src="data:image/png;base64,AA==">`,
	} {
		if got := string(Rewrite([]byte(in), "index.html", "/b")); got != in {
			t.Errorf("Rewrite(%q) = %q, want unchanged", in, got)
		}
	}
}

func TestRewrite_RelativeResolved(t *testing.T) {
	tests := []struct {
		doc, in, want string
	}{
		{"blog/post.html", `<img src="pic.png">`, `<img src="/b/blog/pic.png">`},
		{"blog/post.html", `<img src="./pic.png">`, `<img src="/b/blog/pic.png">`},
		{"blog/post.html", `<img src="../top.png">`, `<img src="/b/top.png">`},
		{"blog/post.html", `<img src="../../../esc.png">`, `<img src="/b/esc.png">`},
		{"index.html", `<img src="a/b.png">`, `<img src="/b/a/b.png">`},
	}
	for _, tt := range tests {
		if got := string(Rewrite([]byte(tt.in), tt.doc, "/b")); got != tt.want {
			t.Errorf("doc %s: Rewrite(%q) = %q, want %q", tt.doc, tt.in, got, tt.want)
		}
	}
}

func TestRewrite_Srcset(t *testing.T) {
	in := `<img srcset="/a 1x, /b 2x">`
	want := `<img srcset="/b/a 1x, /b/b 2x">`
	if got := string(Rewrite([]byte(in), "index.html", "/b")); got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	in = `<img srcset="https://cdn/x.png 1x, img/y.png 2x">`
	want = `<img srcset="https://cdn/x.png 1x, /b/img/y.png 2x">`
	if got := string(Rewrite([]byte(in), "index.html", "/b")); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRewrite_OtherAttributes(t *testing.T) {
	in := `<form action='/submit'><object data="/obj"></object><video poster = "/p.jpg"></video></form>`
	want := `<form action='/b/submit'><object data="/b/obj"></object><video poster = "/b/p.jpg"></video></form>`
	if got := string(Rewrite([]byte(in), "index.html", "/b")); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRewrite_QueryAndFragmentPreserved(t *testing.T) {
	in := `<a href="/page?x=1#top">x</a>`
	want := `<a href="/b/page?x=1#top">x</a>`
	if got := string(Rewrite([]byte(in), "index.html", "/b")); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRewrite_EmptyValue(t *testing.T) {
	in := `<a href="">x</a>`
	if got := string(Rewrite([]byte(in), "index.html", "/b")); got != in {
		t.Errorf("got %q, want unchanged", got)
	}
}
