package nsq

// Version is reported to nsqd as part of the UserAgent IDENTIFY field.
const Version = "1.0.0"
