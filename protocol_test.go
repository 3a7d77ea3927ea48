package nsq

import "testing"

func TestCoerceBody(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
		want string
	}{
		{"bytes", []byte("raw"), "raw"},
		{"string", "plain", "plain"},
		{"struct", struct {
			A int `json:"a"`
		}{A: 1}, `{"a":1}`},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := coerceBody(c.in)
			if err != nil {
				t.Fatalf("coerceBody: %s", err)
			}
			if string(got) != c.want {
				t.Fatalf("got %q, want %q", got, c.want)
			}
		})
	}
}

func TestCoerceBodyRejectsUnmarshalable(t *testing.T) {
	if _, err := coerceBody(func() {}); err == nil {
		t.Fatal("expected error encoding a func value")
	}
}

func TestTopicAndChannelNameValidation(t *testing.T) {
	valid := []string{"topic", "my-topic_1.2", "chan#ephemeral"}
	for _, name := range valid {
		if !IsValidTopicName(name) {
			t.Errorf("expected %q to be a valid topic name", name)
		}
	}

	invalid := []string{"", "has a space", "bad!char"}
	for _, name := range invalid {
		if IsValidTopicName(name) {
			t.Errorf("expected %q to be an invalid topic name", name)
		}
	}
}
